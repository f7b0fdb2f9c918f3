package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-critsec/v1/syncbus")

// ErrBusClosed is returned by a Subscribe that was pending when the bus closed.
var ErrBusClosed = errors.New("syncbus: bus closed")

// redisSubscription is registered before Redis confirms it. pubsub and err
// are set once, before ready is closed.
type redisSubscription struct {
	pubsub *redis.PubSub
	err    error
	ready  chan struct{}
	chans  []chan struct{}
}

// RedisBus implements Bus using Redis Pub/Sub. It lets locks stored in Redis
// notify waiters without a second piece of infrastructure.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("critsec.bus.topic", key))

	if err := b.client.Publish(ctx, key, "1").Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription. The round trip runs without holding the bus mutex.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	first := sub == nil
	if first {
		sub = &redisSubscription{ready: make(chan struct{})}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	if first {
		b.confirm(ctx, key, sub)
	} else {
		<-sub.ready
	}
	if sub.err != nil {
		return nil, sub.err
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = b.Unsubscribe(context.Background(), key, ch)
		}()
	}
	return ch, nil
}

// confirm opens the Redis subscription for sub and wakes the callers waiting
// on it. On failure sub is dropped so the next Subscribe starts over.
func (b *RedisBus) confirm(ctx context.Context, key string, sub *redisSubscription) {
	ps := b.client.Subscribe(context.Background(), key)
	_, err := ps.Receive(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(sub.ready)
	if err == nil && b.subs[key] != sub {
		err = ErrBusClosed
	}
	if err != nil {
		if b.subs[key] == sub {
			delete(b.subs, key)
		}
		sub.err = err
		_ = ps.Close()
		return
	}
	sub.pubsub = ps
	go b.dispatch(key, ps)
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.mu.Lock()
		sub := b.subs[key]
		if sub != nil && sub.pubsub == ps {
			for _, c := range sub.chans {
				select {
				case c <- struct{}{}:
					b.delivered.Add(1)
				default:
				}
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 && sub.pubsub != nil {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close drops every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for key, sub := range b.subs {
		delete(b.subs, key)
		if sub.pubsub == nil {
			// Still pending: confirm reports ErrBusClosed to its callers.
			continue
		}
		for _, c := range sub.chans {
			close(c)
		}
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
