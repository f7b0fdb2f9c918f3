package critsec

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
	"github.com/mirkobrombin/go-critsec/v1/syncbus"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisRecursiveHoldBlocksOtherProcess(t *testing.T) {
	_, client := newRedisClient(t)
	bus := syncbus.NewInMemoryBus()
	l1 := newLock(t, WithRedis(client, "section", WithBus(bus)))
	defer l1.Destroy()
	l2 := newLock(t, WithRedis(client, "section", WithBus(bus)))
	defer l2.Destroy()

	if !strings.HasPrefix(l1.Name(), "section-") {
		t.Fatalf("expected lock named after its key, got %q", l1.Name())
	}
	if l1.Name() == l2.Name() {
		t.Fatalf("locks on one key share the name %q", l1.Name())
	}

	a, err := l1.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := l1.Enter(a); err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	if err := l1.Leave(a); err != nil {
		t.Fatalf("leave: %v", err)
	}

	entered := make(chan context.Context)
	go func() {
		b, err := l2.Enter(context.Background())
		if err != nil {
			t.Errorf("second enter: %v", err)
		}
		entered <- b
	}()
	select {
	case <-entered:
		t.Fatal("second lock entered while the first still held the key")
	case <-time.After(100 * time.Millisecond):
	}
	if err := l1.Leave(a); err != nil {
		t.Fatalf("final leave: %v", err)
	}
	select {
	case b := <-entered:
		if err := l2.Leave(b); err != nil {
			t.Fatalf("second leave: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never entered")
	}
}

func TestRedisMutualExclusionCounter(t *testing.T) {
	_, client := newRedisClient(t)
	locks := make([]*Lock, 2)
	for i := range locks {
		locks[i] = newLock(t, WithName("counter"), WithRedis(client, "counter", WithPollInterval(5*time.Millisecond)))
		defer locks[i].Destroy()
	}

	const workers, iterations = 4, 100
	var inside, counter atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		l := locks[w%len(locks)]
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				err := l.Do(context.Background(), func(context.Context) error {
					if n := inside.Add(1); n != 1 {
						return errors.New("two owners inside the critical section")
					}
					counter.Add(1)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if got := counter.Load(); got != workers*iterations {
		t.Fatalf("expected %d, got %d", workers*iterations, got)
	}
}

func TestRedisReleaseWakesWaiterThroughBus(t *testing.T) {
	_, client := newRedisClient(t)
	bus := syncbus.NewInMemoryBus()
	b1 := NewRedis(client, "wake", WithBus(bus), WithPollInterval(time.Minute))
	b2 := NewRedis(client, "wake", WithBus(bus), WithPollInterval(time.Minute))
	ctx := context.Background()

	if err := b1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- b2.Acquire(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := b1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the release notification")
	}
	if err := b2.Release(ctx); err != nil {
		t.Fatalf("waiter release: %v", err)
	}
	if m := bus.Metrics(); m.Published < 3 {
		t.Fatalf("expected lock and unlock notifications, got %d", m.Published)
	}
}

// downBus fails every call, like a bus whose broker is unreachable.
type downBus struct {
	calls atomic.Int32
}

func (d *downBus) Publish(context.Context, string) error {
	d.calls.Add(1)
	return errors.New("broker down")
}

func (d *downBus) Subscribe(context.Context, string) (chan struct{}, error) {
	d.calls.Add(1)
	return nil, errors.New("broker down")
}

func (d *downBus) Unsubscribe(context.Context, string, chan struct{}) error { return nil }

func TestRedisOpenCircuitFallsBackToPolling(t *testing.T) {
	_, client := newRedisClient(t)
	down := &downBus{}
	bus := syncbus.NewCircuitBreaker(down, 1, time.Hour)
	b1 := NewRedis(client, "polled", WithBus(bus), WithPollInterval(5*time.Millisecond))
	b2 := NewRedis(client, "polled", WithBus(bus), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	if err := b1.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if bus.State() != syncbus.CircuitOpen {
		t.Fatalf("expected open circuit after failed notification, got %v", bus.State())
	}
	done := make(chan error, 1)
	go func() { done <- b2.Acquire(ctx) }()
	time.Sleep(50 * time.Millisecond)
	if err := b1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not acquire by polling")
	}
	if err := b2.Release(ctx); err != nil {
		t.Fatalf("waiter release: %v", err)
	}
	if n := down.calls.Load(); n != 1 {
		t.Fatalf("expected only the first call to reach the broker, got %d", n)
	}
}

func TestRedisTTLLeaseAndCleanup(t *testing.T) {
	mr, client := newRedisClient(t)
	l := newLock(t, WithRedis(client, "leased", WithTTL(time.Minute)))
	defer l.Destroy()

	ctx, err := l.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if ttl := mr.TTL("leased"); ttl <= 0 {
		t.Fatalf("expected lease on key, got ttl %v", ttl)
	}
	if err := l.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if mr.Exists("leased") {
		t.Fatal("key not deleted on release")
	}
}

func TestRedisWatchdogExtendsLease(t *testing.T) {
	mr, client := newRedisClient(t)
	b := NewRedis(client, "extended", WithTTL(60*time.Millisecond))
	defer b.Close()
	ctx := context.Background()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(50 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	if ttl := mr.TTL("extended"); ttl <= 10*time.Millisecond {
		t.Fatalf("expected lease extended, ttl %v", ttl)
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisLostKeyIsFatalOnLeave(t *testing.T) {
	mr, client := newRedisClient(t)
	l := newLock(t, WithRedis(client, "stolen"))
	defer l.Destroy()

	ctx, err := l.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := mr.Set("stolen", "intruder"); err != nil {
		t.Fatalf("set: %v", err)
	}
	err = l.Leave(ctx)
	if !errors.Is(err, critsecerrors.ErrLockLost) || !IsFatal(err) {
		t.Fatalf("expected fatal ErrLockLost, got %v", err)
	}
	if v, _ := mr.Get("stolen"); v != "intruder" {
		t.Fatalf("release deleted a key it did not own, value %q", v)
	}
}

func TestRedisUnavailableIsFatalOnEnter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l := newLock(t, WithRedis(client, "down", WithBus(syncbus.NewInMemoryBus())))
	defer l.Destroy()
	mr.Close()

	if _, err := l.Enter(context.Background()); !IsFatal(err) {
		t.Fatalf("expected fatal enter error, got %v", err)
	}
}
