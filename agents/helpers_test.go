package agents

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/remoting/internal/runtime"
)

const waitFor = 3 * time.Second

func newSystem(t *testing.T) *runtime.System {
	t.Helper()
	types := runtime.NewTypeRegistry()
	require.NoError(t, RegisterTypes(types))
	sys := runtime.New(
		runtime.WithMetrics(false),
		runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		runtime.WithTypes(types),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

// syncBuffer is a bytes.Buffer safe for a writer agent and a reading test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	sys    *runtime.System
	client runtime.Handle
	events chan Event
	out    *syncBuffer
}

func startClient(t *testing.T, sys *runtime.System, resolver runtime.Handle, taskTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{sys: sys, events: make(chan Event, 4096), out: &syncBuffer{}}
	h.client = sys.Spawn(NewClient(ClientConfig{
		Resolver:    resolver,
		TaskTimeout: taskTimeout,
		Output:      h.out,
		Events:      h.events,
	}))
	require.NotNil(t, h.client)
	h.expect(t, EventState)
	return h
}

func (h *harness) send(t *testing.T, msg any) {
	t.Helper()
	require.NoError(t, h.sys.Send(h.client, msg))
}

// state asks the client for its ConnectionState; -1 means no answer.
func (h *harness) state(t *testing.T) ConnectionState {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := h.sys.Ask(ctx, h.client, StateQuery{})
	if err != nil {
		t.Logf("state query: %v", err)
		return -1
	}
	return v.(ConnectionState)
}

// expect returns the next event of kind, skipping events of other kinds.
func (h *harness) expect(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// drain returns every event emitted within d.
func (h *harness) drain(d time.Duration) []Event {
	var got []Event
	deadline := time.After(d)
	for {
		select {
		case e := <-h.events:
			got = append(got, e)
		case <-deadline:
			return got
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// spawnResolver answers Resolve with answer.
func spawnResolver(sys *runtime.System, answer func(runtime.Resolve) (runtime.Resolved, error)) runtime.Handle {
	return sys.Spawn(func(ctx *runtime.Context) runtime.Behavior {
		return runtime.NewBehavior(
			runtime.OnRequest(func(ctx *runtime.Context, r runtime.Resolve) (runtime.Resolved, error) {
				return answer(r)
			}),
		)
	})
}

// resolveTo always resolves to server with the full calculator interface set.
func resolveTo(server runtime.Handle) func(runtime.Resolve) (runtime.Resolved, error) {
	return func(runtime.Resolve) (runtime.Resolved, error) {
		return runtime.Resolved{Node: "test", Handle: server, Interfaces: Interfaces}, nil
	}
}

type releaseResolve struct{}

// spawnGatedResolver holds each Resolve until it receives releaseResolve.
// Every held request is reported on the returned channel.
func spawnGatedResolver(sys *runtime.System, answer func(runtime.Resolve) (runtime.Resolved, error)) (runtime.Handle, <-chan runtime.Resolve) {
	seen := make(chan runtime.Resolve, 16)
	h := sys.Spawn(func(ctx *runtime.Context) runtime.Behavior {
		type held struct {
			promise *runtime.Promise
			req     runtime.Resolve
		}
		var queue []held
		return runtime.NewBehavior(
			runtime.On(func(ctx *runtime.Context, r runtime.Resolve) {
				queue = append(queue, held{promise: ctx.Promise(), req: r})
				seen <- r
			}),
			runtime.On(func(ctx *runtime.Context, _ releaseResolve) {
				for _, pending := range queue {
					res, err := answer(pending.req)
					if err != nil {
						pending.promise.Fail(err)
						continue
					}
					pending.promise.Deliver(res)
				}
				queue = nil
			}),
		)
	})
	return h, seen
}
