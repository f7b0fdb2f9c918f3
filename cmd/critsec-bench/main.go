package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-critsec/v1/critsec"
	"github.com/mirkobrombin/go-critsec/v1/metrics"
	"github.com/mirkobrombin/go-critsec/v1/presets"
)

var (
	backend     = flag.String("backend", "local", "Backend: local, file, redis or redis-nats")
	concurrency = flag.Int("c", 8, "Number of concurrent owners")
	iterations  = flag.Int("n", 10000, "Iterations per owner")
	depth       = flag.Int("depth", 1, "Recursion depth of every entry")
	path        = flag.String("path", filepath.Join(os.TempDir(), "critsec-bench.lock"), "Lock file for the file backend")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats", nats.DefaultURL, "NATS URL for redis-nats")
	key         = flag.String("key", "critsec-bench", "Redis key")
	ttl         = flag.Duration("ttl", 0, "Redis lease TTL, 0 disables it")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address and keep running")
	traceOut    = flag.Bool("trace", false, "Print spans to stdout")
)

func main() {
	flag.Parse()
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) (err error) {
	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCritsecMetrics(reg)

	l, cleanup, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	log.Printf("Starting benchmark: backend %s, %d owners x %d iterations, depth %d", *backend, *concurrency, *iterations, *depth)

	start := time.Now()
	got, err := count(ctx, l, *concurrency, *iterations, *depth)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	want := int64(*concurrency) * int64(*iterations)
	if got != want {
		return fmt.Errorf("lost updates: counter %d, expected %d", got, want)
	}
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f entries/s", float64(want)/elapsed.Seconds())

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Printf("Serving metrics on %s/metrics", *metricsAddr)
		return http.ListenAndServe(*metricsAddr, nil)
	}
	return nil
}

// count runs owners goroutines that each bump a shared counter n times,
// entering l depth times around every bump. The counter is a plain int64:
// only l keeps the increments from being lost.
func count(ctx context.Context, l *critsec.Lock, owners, n, depth int) (int64, error) {
	var counter int64
	var g errgroup.Group
	for i := 0; i < owners; i++ {
		g.Go(func() error {
			for j := 0; j < n; j++ {
				if err := enter(ctx, l, depth, func() { counter++ }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return counter, nil
}

// enter takes the lock n times, runs fn at the innermost level and unwinds.
func enter(ctx context.Context, l *critsec.Lock, n int, fn func()) error {
	if n <= 0 {
		fn()
		return nil
	}
	return l.Do(ctx, func(ctx context.Context) error {
		return enter(ctx, l, n-1, fn)
	})
}

func open() (*critsec.Lock, func() error, error) {
	opts := []critsec.Option{critsec.WithName("bench"), critsec.WithTracing()}
	ropts := presets.RedisOptions{Addr: *redisAddr, Key: *key, TTL: *ttl}

	switch *backend {
	case "local":
		l, err := presets.NewLocal(opts...)
		return l, l.Destroy, err
	case "file":
		l, err := presets.NewFile(*path, opts...)
		return l, l.Destroy, err
	case "redis":
		l, client, err := presets.NewRedis(ropts, opts...)
		if err != nil {
			return nil, nil, err
		}
		return l, func() error {
			err := l.Destroy()
			_ = client.Close()
			return err
		}, nil
	case "redis-nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("NATS connect failed: %w", err)
		}
		l, client, err := presets.NewRedisNATS(ropts, conn, opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return l, func() error {
			err := l.Destroy()
			_ = client.Close()
			conn.Close()
			return err
		}, nil
	}
	return nil, nil, errors.New("unknown backend " + *backend)
}
