package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

const waitFor = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSystem(t *testing.T, opts ...Option) *System {
	t.Helper()
	base := []Option{WithMetrics(false), WithLogger(discardLogger())}
	sys := New(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

// run is executed on a driver agent's goroutine.
type run func(ctx *Context)

// spawnDriver starts an agent that executes run messages and forwards
// everything else it receives, Down included, to the returned channel.
func spawnDriver(t *testing.T, sys *System) (Handle, <-chan any) {
	t.Helper()
	ch := make(chan any, 256)
	h := sys.Spawn(func(ctx *Context) Behavior {
		return NewBehavior(
			On(func(ctx *Context, fn run) { fn(ctx) }),
			On(func(ctx *Context, msg any) { ch <- msg }),
		)
	})
	return h, ch
}

// do runs fn on driver and waits until it has returned.
func do(t *testing.T, sys *System, driver Handle, fn run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if _, err := sys.Ask(ctx, driver, fn); err != nil {
		t.Fatalf("driver: %v", err)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func expectNothing[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(d):
	}
}

type release struct{}

// spawnGate starts an agent that holds every string request until it
// receives release, then answers each with "answer:<request>" in arrival order.
func spawnGate(sys *System) Handle {
	return sys.Spawn(func(ctx *Context) Behavior {
		type held struct {
			promise *Promise
			q       string
		}
		var queue []held
		return NewBehavior(
			On(func(ctx *Context, q string) {
				queue = append(queue, held{promise: ctx.Promise(), q: q})
			}),
			On(func(ctx *Context, _ release) {
				for _, h := range queue {
					h.promise.Deliver("answer:" + h.q)
				}
				queue = nil
			}),
		)
	})
}
