package presets

import (
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-critsec/v1/critsec"
	"github.com/mirkobrombin/go-critsec/v1/syncbus"
)

// Breaker settings for the buses created by the presets. A broker that keeps
// failing is skipped for a while and waiters fall back to polling.
const (
	breakerThreshold = 5
	breakerCooldown   = 10 * time.Second
)

// RedisOptions configures the connection to Redis and the lock lease.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Key is the Redis key guarding the critical section.
	Key string
	// TTL, when positive, puts a lease on the key that is renewed while held.
	TTL time.Duration
	// PollInterval bounds the wait between attempts when no notification
	// arrives. Zero keeps the backend default.
	PollInterval time.Duration
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

func (o RedisOptions) backendOptions(bus syncbus.Bus) []critsec.RedisOption {
	return []critsec.RedisOption{
		critsec.WithBus(syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown)),
		critsec.WithTTL(o.TTL),
		critsec.WithPollInterval(o.PollInterval),
	}
}

// NewLocal creates an in-process critical section.
func NewLocal(opts ...critsec.Option) (*critsec.Lock, error) {
	return critsec.New(append([]critsec.Option{critsec.WithLocal()}, opts...)...)
}

// NewFile creates a critical section shared by every process locking the
// file at path.
func NewFile(path string, opts ...critsec.Option) (*critsec.Lock, error) {
	return critsec.New(append([]critsec.Option{critsec.WithFile(path)}, opts...)...)
}

// NewRedis creates a critical section stored in Redis, using Redis Pub/Sub to
// wake waiters. The returned client belongs to the caller and must be closed
// after the lock is destroyed.
func NewRedis(o RedisOptions, opts ...critsec.Option) (*critsec.Lock, *redis.Client, error) {
	client := o.client()
	bus := syncbus.NewRedisBus(client)
	l, err := critsec.New(append([]critsec.Option{
		critsec.WithRedis(client, o.Key, o.backendOptions(bus)...),
	}, opts...)...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return l, client, nil
}

// NewRedisNATS creates a critical section stored in Redis whose release
// notifications travel over NATS.
func NewRedisNATS(o RedisOptions, conn *nats.Conn, opts ...critsec.Option) (*critsec.Lock, *redis.Client, error) {
	client := o.client()
	bus := syncbus.NewNATSBus(conn)
	l, err := critsec.New(append([]critsec.Option{
		critsec.WithRedis(client, o.Key, o.backendOptions(bus)...),
	}, opts...)...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return l, client, nil
}
