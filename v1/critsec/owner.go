package critsec

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies the holder of a Lock. It takes the place of a thread
// identity and must not be shared by goroutines running concurrently.
type Owner string

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying a fresh Owner.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, Owner(newID()))
}

// OwnerFrom returns the Owner carried by ctx, if any.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok && o != ""
}

func ensureOwner(ctx context.Context) (context.Context, Owner) {
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}
	ctx = WithOwner(ctx)
	o, _ := OwnerFrom(ctx)
	return ctx, o
}

func newID() string { return uuid.NewString() }
