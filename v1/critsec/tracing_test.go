package critsec

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The global tracer provider can only be swapped in once per process, so
// this is the only test in the package that installs one.
func TestTracingRecordsEnterAndLeave(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	l := newLock(t, WithTracing(), WithName("traced"))
	defer l.Destroy()

	ctx, err := l.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := l.Enter(ctx); err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.Leave(ctx); err != nil {
			t.Fatalf("leave: %v", err)
		}
	}
	if err := l.Leave(ctx); err == nil {
		t.Fatal("expected leave of unheld lock to fail")
	}

	counts := map[string]int{}
	var failed int
	for _, s := range sr.Ended() {
		counts[s.Name()]++
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	if counts["Lock.Enter"] != 2 || counts["Lock.Leave"] != 3 {
		t.Fatalf("unexpected spans %v", counts)
	}
	if failed != 1 {
		t.Fatalf("expected one failed span, got %d", failed)
	}
}
