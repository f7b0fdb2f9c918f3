// Package critsec provides recursive critical sections with pluggable
// backends. A Lock may be re-entered by its current owner and is handed to
// another owner only after it has been left as many times as it was entered.
//
// Ownership travels in a context.Context rather than being tied to an OS
// thread: Enter returns the context that identifies the owner and that
// context must be passed to the matching Leave and to any nested Enter.
//
// Three backends are provided. Local excludes goroutines of one process,
// File excludes processes sharing a lock file through the operating system's
// file locking, and Redis excludes processes on different hosts sharing a
// Redis server. Failures of the underlying primitive are unrecoverable and
// are reported according to the Lock's FailurePolicy.
package critsec
