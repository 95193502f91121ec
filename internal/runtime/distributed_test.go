package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	N int `json:"n"`
}

type secret struct {
	S string `json:"s"`
}

func newNode(t *testing.T, opts ...DistributedOption) (*System, *Middleman) {
	t.Helper()
	types := NewTypeRegistry()
	require.NoError(t, RegisterType[ping](types, "test.ping"))
	sys := newTestSystem(t, WithTypes(types))
	mm := NewMiddleman(sys, append([]DistributedOption{WithListenHost("127.0.0.1")}, opts...)...)
	t.Cleanup(func() { _ = mm.Close() })
	return sys, mm
}

func spawnDoubler(sys *System) Handle {
	return sys.Spawn(func(ctx *Context) Behavior {
		return NewBehavior(
			OnRequest(func(ctx *Context, p ping) (int, error) { return p.N * 2, nil }),
			On(func(ctx *Context, q string) { ctx.Promise() }),
		)
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func TestPublishAndRemote(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0, "test.double")
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Contains(t, server.Published(), port)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	require.NotNil(t, res.Handle)
	assert.Equal(t, serverSys.NodeID(), res.Node)
	assert.Equal(t, []string{"test.double"}, res.Interfaces)

	got, err := clientSys.Ask(context.Background(), res.Handle, ping{N: 21})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	again, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.True(t, again.Handle == res.Handle, "live connection is reused")
	assert.Equal(t, 1, client.Connections())
}

func TestRemote_RequestFromAgent(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	driver, _ := spawnDriver(t, clientSys)
	results := make(chan any, 3)
	do(t, clientSys, driver, func(ctx *Context) {
		for i := 1; i <= 3; i++ {
			ctx.Request(res.Handle, time.Second, ping{N: i}).Then(
				func(v any) { results <- v },
				func(err error) { results <- err },
			)
		}
	})
	assert.Equal(t, 2, receive(t, results))
	assert.Equal(t, 4, receive(t, results))
	assert.Equal(t, 6, receive(t, results))
}

func TestRemote_UnknownTypeRejected(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	require.NoError(t, RegisterType[secret](clientSys.Types(), "test.secret"))
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	_, err = clientSys.Ask(context.Background(), res.Handle, secret{S: "x"})
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	_, err = clientSys.Ask(context.Background(), res.Handle, float32(3.5))
	assert.ErrorIs(t, err, ErrUnknownType, "unregistered locally fails before sending")
}

func TestRemote_NothingListening(t *testing.T) {
	_, client := newNode(t, WithConnectTimeout(time.Second))
	_, err := client.Remote(context.Background(), "127.0.0.1", freePort(t))
	assert.ErrorIs(t, err, ErrResolutionFailed)

	_, err = client.Remote(context.Background(), "127.0.0.1", 70000)
	assert.ErrorIs(t, err, ErrResolutionFailed)
}

func TestPublish_PortInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	sys, mm := newNode(t)
	_, err = mm.Publish(spawnDoubler(sys), lis.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Empty(t, mm.Published())
}

func TestConnectionLoss_FailsInFlightAndFiresDown(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	driver, ch := spawnDriver(t, clientSys)
	errs := make(chan error, 1)
	do(t, clientSys, driver, func(ctx *Context) {
		ctx.Monitor(res.Handle)
		ctx.Request(res.Handle, 0, "held forever").Then(
			func(any) {},
			func(err error) { errs <- err },
		)
	})

	require.NoError(t, server.Unpublish(port))

	down, ok := receive(t, ch).(Down)
	require.True(t, ok)
	assert.True(t, down.Source == res.Handle)
	assert.ErrorIs(t, down.Reason, ErrPeerUnreachable)
	assert.ErrorIs(t, receive(t, errs), ErrPeerUnreachable)

	require.Eventually(t, func() bool { return client.Connections() == 0 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, clientSys.Send(res.Handle, ping{N: 1}), ErrPeerUnreachable)
}

func TestRemoteAgentExit_FiresDown(t *testing.T) {
	serverSys, server := newNode(t)
	worker := spawnDoubler(serverSys)
	port, err := server.Publish(worker, 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	driver, ch := spawnDriver(t, clientSys)
	errs := make(chan error, 1)
	do(t, clientSys, driver, func(ctx *Context) {
		ctx.Monitor(res.Handle)
		ctx.Request(res.Handle, 0, "held forever").Then(
			func(any) {},
			func(err error) { errs <- err },
		)
	})

	serverSys.Stop(worker)

	down, ok := receive(t, ch).(Down)
	require.True(t, ok)
	assert.True(t, down.Source == res.Handle)
	assert.ErrorIs(t, down.Reason, ExitUserShutdown)
	assert.NotErrorIs(t, down.Reason, ErrPeerUnreachable)
	assert.ErrorIs(t, receive(t, errs), ErrAgentGone)

	require.Eventually(t, func() bool { return client.Connections() == 0 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, server.Published(), port, "the publication outlives its agent")

	again, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Nil(t, again.Handle)
}

func TestRemoteAgentPanic_DownCarriesReason(t *testing.T) {
	serverSys, server := newNode(t)
	worker := serverSys.Spawn(func(ctx *Context) Behavior {
		return NewBehavior(On(func(ctx *Context, p ping) { panic("boom") }))
	})
	port, err := server.Publish(worker, 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	driver, ch := spawnDriver(t, clientSys)
	do(t, clientSys, driver, func(ctx *Context) { ctx.Monitor(res.Handle) })
	require.NoError(t, clientSys.Send(res.Handle, ping{N: 1}))

	down, ok := receive(t, ch).(Down)
	require.True(t, ok)
	assert.ErrorIs(t, down.Reason, ExitPanic)
	assert.Contains(t, down.Reason.Error(), "boom")
}

func TestRequestTimeout_ReleasesReplyRoute(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	conn := res.Handle.(*remoteHandle).conn

	const n = 50
	driver, _ := spawnDriver(t, clientSys)
	errs := make(chan error, n)
	do(t, clientSys, driver, func(ctx *Context) {
		for range n {
			ctx.Request(res.Handle, 5*time.Millisecond, "held forever").Then(
				func(any) {},
				func(err error) { errs <- err },
			)
		}
	})
	for range n {
		assert.ErrorIs(t, receive(t, errs), ErrRequestTimeout)
	}
	assert.Zero(t, conn.inflightCount())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = clientSys.Ask(ctx, res.Handle, "held forever")
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Zero(t, conn.inflightCount())

	do(t, clientSys, driver, func(ctx *Context) {
		ctx.Request(res.Handle, 0, "held forever").Then(func(any) {}, func(error) {})
	})
	assert.Equal(t, 1, conn.inflightCount())
	clientSys.Stop(driver)
	require.NoError(t, clientSys.Wait(context.Background(), driver))
	assert.Zero(t, conn.inflightCount(), "a dead issuer releases its routes")

	got, err := clientSys.Ask(context.Background(), res.Handle, ping{N: 4})
	require.NoError(t, err)
	assert.Equal(t, 8, got)
}

func TestReconnect_YieldsFreshHandle(t *testing.T) {
	serverSys, server := newNode(t)
	worker := spawnDoubler(serverSys)
	port, err := server.Publish(worker, 0)
	require.NoError(t, err)

	_, client := newNode(t)
	first, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	require.NoError(t, server.Unpublish(port))
	require.Eventually(t, func() bool { return client.Connections() == 0 }, waitFor, 5*time.Millisecond)

	_, err = server.Publish(worker, port)
	require.NoError(t, err)
	second, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	assert.Equal(t, first.Handle.ID(), second.Handle.ID())
	assert.False(t, first.Handle == second.Handle, "a new connection yields a new handle")
}

func TestResolverAgent(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0, "test.double")
	require.NoError(t, err)

	clientSys, client := newNode(t)
	got, err := clientSys.Ask(context.Background(), client.Handle(), Resolve{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	res, ok := got.(Resolved)
	require.True(t, ok)
	assert.NotNil(t, res.Handle)
	assert.Equal(t, []string{"test.double"}, res.Interfaces)

	_, err = clientSys.Ask(context.Background(), client.Handle(), Resolve{Host: "127.0.0.1", Port: freePort(t)})
	assert.ErrorIs(t, err, ErrResolutionFailed)
}

func TestHandshake_DeadPublishedAgent(t *testing.T) {
	serverSys, server := newNode(t)
	worker := spawnDoubler(serverSys)
	port, err := server.Publish(worker, 0)
	require.NoError(t, err)
	serverSys.Stop(worker)
	require.NoError(t, serverSys.Wait(context.Background(), worker))

	_, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Nil(t, res.Handle)
}

func TestInboundRateLimit(t *testing.T) {
	serverSys, server := newNode(t, WithRateLimit(1, 1))
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	clientSys, client := newNode(t)
	res, err := client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	var rejected int
	for i := range 5 {
		if _, err := clientSys.Ask(context.Background(), res.Handle, ping{N: i}); err != nil {
			assert.ErrorIs(t, err, ErrRejected)
			rejected++
		}
	}
	assert.Positive(t, rejected)
}

func TestMiddleman_Close(t *testing.T) {
	serverSys, server := newNode(t)
	port, err := server.Publish(spawnDoubler(serverSys), 0)
	require.NoError(t, err)

	_, client := newNode(t)
	_, err = client.Remote(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.Equal(t, 0, client.Connections())
	_, err = client.Remote(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrResolutionFailed)

	require.NoError(t, server.Close())
	assert.Empty(t, server.Published())
	_, err = server.Publish(spawnDoubler(serverSys), 0)
	assert.ErrorIs(t, err, ErrPublishFailed)
}
