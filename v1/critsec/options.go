package critsec

import (
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Option configures New.
type Option func(*config)

type config struct {
	name     string
	nameHint string
	open     func() (Backend, error)
	policy   FailurePolicy
	abort    func(code int)
	logger   *slog.Logger
	trace    bool
}

// WithName sets the name used in errors, logs and metric labels. Names
// should be unique per process. Without it the name is the file path or
// Redis key, "critsec" for other backends, followed by a random suffix, so
// two Locks on the same file or key keep separate metric series.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLocal selects the in-process Local backend. This is the default.
func WithLocal() Option {
	return func(c *config) {
		c.open = func() (Backend, error) { return NewLocal(), nil }
		c.nameHint = ""
	}
}

// WithFile selects the File backend on the lock file at path. The file is
// opened by New, so a file that cannot be opened fails creation.
func WithFile(path string) Option {
	return func(c *config) {
		c.open = func() (Backend, error) { return NewFile(path) }
		c.nameHint = path
	}
}

// WithRedis selects the Redis backend on key.
func WithRedis(client *redis.Client, key string, opts ...RedisOption) Option {
	return func(c *config) {
		c.open = func() (Backend, error) { return NewRedis(client, key, opts...), nil }
		c.nameHint = key
	}
}

// WithBackend uses b as the backend. The Lock takes ownership of b and
// closes it on Destroy.
func WithBackend(b Backend) Option {
	return func(c *config) {
		c.open = func() (Backend, error) { return b, nil }
		c.nameHint = ""
	}
}

// WithFailurePolicy selects how unrecoverable failures are reported. The
// default is ReturnFailure.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithAbortFunc replaces the process exit used by AbortOnFailure.
func WithAbortFunc(fn func(code int)) Option {
	return func(c *config) {
		if fn != nil {
			c.abort = fn
		}
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans for Enter and Leave.
func WithTracing() Option {
	return func(c *config) {
		c.trace = true
	}
}
