package critsec

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
	"github.com/mirkobrombin/go-critsec/v1/syncbus"
)

const defaultPollInterval = 50 * time.Millisecond

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithBus sets the bus used to wake waiters when the key is released.
// Locks in different processes must share a bus backed by the same broker
// to wake each other; without one they still meet by polling.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithTTL puts a lease on the key so that a crashed holder cannot keep it
// forever. While held, the lease is extended every ttl/3. Zero, the default,
// means no lease.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPollInterval bounds how long a waiter sleeps between attempts when no
// release notification arrives.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// Redis is a Backend holding a Redis key set to a random token. Release only
// deletes the key if it still holds that token.
type Redis struct {
	client *redis.Client
	key    string
	bus    syncbus.Bus
	ownBus *syncbus.RedisBus
	ttl    time.Duration
	poll   time.Duration

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

// NewRedis returns a Redis backend for key. The client stays owned by the
// caller. Without WithBus, release notifications travel over Redis Pub/Sub
// on the same client.
func NewRedis(client *redis.Client, key string, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		key:    key,
		poll:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.ownBus = syncbus.NewRedisBus(client)
		r.bus = r.ownBus
	}
	return r
}

// Key returns the Redis key guarded by this backend.
func (r *Redis) Key() string { return r.key }

func (r *Redis) tryLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Acquire implements Backend.Acquire.
func (r *Redis) Acquire(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Redis.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("critsec.redis.key", r.key))

	attempts := 0
	for {
		attempts++
		token, ok, err := r.tryLock(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if ok {
			r.held(token)
			span.SetAttributes(attribute.Int("critsec.redis.attempts", attempts))
			if err := r.bus.Publish(ctx, syncbus.LockedTopic(r.key)); err != nil {
				slog.Debug("critsec: lock notification failed", "key", r.key, "error", err)
			}
			return nil
		}
		if err := r.wait(ctx); err != nil {
			return err
		}
	}
}

// wait returns on a release notification, after the poll interval, or when
// ctx is done.
func (r *Redis) wait(ctx context.Context) error {
	topic := syncbus.UnlockedTopic(r.key)
	ch, err := r.bus.Subscribe(ctx, topic)
	if err != nil {
		slog.Debug("critsec: release subscription failed, polling", "key", r.key, "error", err)
		ch = nil
	}
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	if ch != nil {
		_ = r.bus.Unsubscribe(context.Background(), topic, ch)
	}
	return ctx.Err()
}

func (r *Redis) held(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	if r.ttl <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.watchdog(token, r.stop, r.done)
}

func (r *Redis) watchdog(token string, stop, done chan struct{}) {
	defer close(done)
	interval := r.ttl / 3
	if interval <= 0 {
		interval = r.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := extendScript.Run(context.Background(), r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int()
			if err != nil {
				slog.Warn("critsec: lease extension failed", "key", r.key, "error", err)
				continue
			}
			if n == 0 {
				slog.Error("critsec: lease lost while held", "key", r.key)
				return
			}
		}
	}
}

// Release implements Backend.Release. It returns ErrLockLost when the key
// no longer holds this backend's token, for example after the lease expired.
func (r *Redis) Release(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Redis.Release")
	defer span.End()
	span.SetAttributes(attribute.String("critsec.redis.key", r.key))

	r.mu.Lock()
	token, stop, done := r.token, r.stop, r.done
	r.token, r.stop, r.done = "", nil, nil
	r.mu.Unlock()
	if token == "" {
		return critsecerrors.ErrNotOwner
	}
	if stop != nil {
		close(stop)
		<-done
	}

	n, err := delScript.Run(ctx, r.client, []string{r.key}, token).Int()
	if err == nil && n == 0 {
		err = critsecerrors.ErrLockLost
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := r.bus.Publish(ctx, syncbus.UnlockedTopic(r.key)); err != nil {
		slog.Warn("critsec: release notification failed", "key", r.key, "error", err)
	}
	return nil
}

// Close implements Backend.Close. The client and any bus passed with WithBus
// stay open.
func (r *Redis) Close() error {
	if r.ownBus != nil {
		return r.ownBus.Close()
	}
	return nil
}
