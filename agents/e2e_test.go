package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/remoting/internal/runtime"
)

type node struct {
	sys *runtime.System
	mm  *runtime.Middleman
}

func newNode(t *testing.T) node {
	t.Helper()
	sys := newSystem(t)
	mm := runtime.NewMiddleman(sys, runtime.WithListenHost("127.0.0.1"), runtime.WithConnectTimeout(time.Second))
	t.Cleanup(func() { _ = mm.Close() })
	return node{sys: sys, mm: mm}
}

func publishCalculator(t *testing.T, n node) (runtime.Handle, int) {
	t.Helper()
	worker := n.sys.Spawn(Calculator)
	port, err := n.mm.Publish(worker, 0, Interfaces...)
	require.NoError(t, err)
	return worker, port
}

func TestEndToEnd_Connect(t *testing.T) {
	server := newNode(t)
	_, port := publishCalculator(t, server)

	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)
	h.send(t, Connect{Host: "127.0.0.1", Port: port})

	require.Eventually(t, func() bool { return h.state(t) == Running }, waitFor, 10*time.Millisecond)
	assert.Contains(t, h.out.String(), "*** successfully connected to server")
	assert.Equal(t, 1, client.mm.Connections())
}

func TestEndToEnd_QueuedTaskRunsAfterConnect(t *testing.T) {
	server := newNode(t)
	_, port := publishCalculator(t, server)

	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)

	h.send(t, Add{A: 3, B: 4})
	assert.Equal(t, Task{Op: OpAdd, A: 3, B: 4}, h.expect(t, EventQueued).Task)
	assert.Equal(t, 0, client.mm.Connections(), "queued work opens no connection")

	h.send(t, Connect{Host: "127.0.0.1", Port: port})
	assert.Equal(t, Task{Op: OpAdd, A: 3, B: 4}, h.expect(t, EventDispatched).Task)
	e := h.expect(t, EventResult)
	assert.Equal(t, 7, e.Result)
	assert.Contains(t, h.out.String(), "3 + 4 = 7")

	events := h.drain(100 * time.Millisecond)
	assert.Zero(t, countKind(events, EventDispatched), "the task is sent once")
	assert.Zero(t, countKind(events, EventRetry))
}

func TestEndToEnd_PeerTerminates(t *testing.T) {
	server := newNode(t)
	_, port := publishCalculator(t, server)

	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)
	h.send(t, Connect{Host: "127.0.0.1", Port: port})
	require.Eventually(t, func() bool { return h.state(t) == Running }, waitFor, 10*time.Millisecond)

	require.NoError(t, server.mm.Close())

	require.Eventually(t, func() bool { return h.state(t) == Unconnected }, waitFor, 10*time.Millisecond)
	events := h.drain(100 * time.Millisecond)
	assert.Zero(t, countKind(events, EventStaleDown))
	assert.Equal(t, 1, strings.Count(h.out.String(), "*** lost connection to server"))

	// quit
	client.sys.Stop(h.client)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, client.sys.Wait(ctx, h.client))
}

func TestEndToEnd_WorkerExits(t *testing.T) {
	server := newNode(t)
	worker, port := publishCalculator(t, server)

	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)
	h.send(t, Connect{Host: "127.0.0.1", Port: port})
	require.Eventually(t, func() bool { return h.state(t) == Running }, waitFor, 10*time.Millisecond)

	server.sys.Stop(worker)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, server.sys.Wait(ctx, worker))

	require.Eventually(t, func() bool { return h.state(t) == Unconnected }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(h.out.String(), "*** lost connection to server"))
	assert.Len(t, server.mm.Published(), 1, "the middleman stays up")

	h.send(t, Add{A: 1, B: 2})
	h.expect(t, EventQueued)
	events := h.drain(100 * time.Millisecond)
	assert.Zero(t, countKind(events, EventRetry), "work is queued, not resubmitted")

	h.send(t, Connect{Host: "127.0.0.1", Port: port})
	h.expect(t, EventConnectFailed)
	assert.Contains(t, h.out.String(), `*** no server found at "127.0.0.1"`)
	assert.Equal(t, Unconnected, h.state(t))
}

func TestEndToEnd_Reconnect(t *testing.T) {
	first := newNode(t)
	_, firstPort := publishCalculator(t, first)
	second := newNode(t)
	_, secondPort := publishCalculator(t, second)

	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)

	h.send(t, Connect{Host: "127.0.0.1", Port: firstPort})
	require.Eventually(t, func() bool { return h.state(t) == Running }, waitFor, 10*time.Millisecond)
	h.send(t, Connect{Host: "127.0.0.1", Port: secondPort})
	require.Eventually(t, func() bool { return client.mm.Connections() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, first.mm.Close())
	h.expect(t, EventStaleDown)
	assert.Equal(t, Running, h.state(t))

	h.send(t, Sub{A: 10, B: 4})
	assert.Equal(t, 6, h.expect(t, EventResult).Result)
}

func TestEndToEnd_NothingListening(t *testing.T) {
	client := newNode(t)
	h := startClient(t, client.sys, client.mm.Handle(), time.Second)

	h.send(t, Connect{Host: "127.0.0.1", Port: 1})
	e := h.expect(t, EventConnectFailed)
	assert.ErrorIs(t, e.Err, runtime.ErrResolutionFailed)
	assert.Equal(t, Unconnected, h.state(t))
	assert.Contains(t, h.out.String(), `*** cannot connect to "127.0.0.1":1`)
}
