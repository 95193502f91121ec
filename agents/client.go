package agents

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/remoting/internal/runtime"
	metrics "github.com/aixgo-dev/remoting/pkg/observability"
)

// DefaultTaskTimeout bounds each arithmetic request.
const DefaultTaskTimeout = 10 * time.Second

// ClientConfig configures a calculator client.
type ClientConfig struct {
	// Resolver answers runtime.Resolve, usually Middleman.Handle().
	Resolver runtime.Handle
	// TaskTimeout bounds each request to the server. Defaults to DefaultTaskTimeout.
	TaskTimeout time.Duration
	// ResolveTimeout bounds a connect attempt. Zero waits for the resolver indefinitely.
	ResolveTimeout time.Duration
	// Output receives the user-facing lines. Defaults to io.Discard.
	Output io.Writer
	Logger *slog.Logger
	// Events, when set, receives a copy of every Event. Sends never block;
	// events are dropped when the channel is full.
	Events chan<- Event
}

// NewClient returns the init function of a calculator client agent. The
// client starts Unconnected, queues arithmetic until a Connect succeeds, and
// resubmits every failed request to itself until it gets an answer.
func NewClient(cfg ClientConfig) func(*runtime.Context) runtime.Behavior {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	return func(ctx *runtime.Context) runtime.Behavior {
		logger := cfg.Logger
		if logger == nil {
			logger = ctx.Logger()
		}
		c := &client{
			cfg:      cfg,
			logger:   logger.With("component", "client"),
			out:      newConsole(cfg.Output),
			retryLog: rate.Sometimes{First: 3, Interval: time.Second},
		}
		ctx.SetDownHandler(c.onDown)
		return c.enter(&unconnected{})
	}
}

// clientState is one variant of the connection state machine. Each variant
// holds only the data its phase needs and builds the matching behavior.
type clientState interface {
	connectionState() ConnectionState
	behavior(c *client) runtime.Behavior
}

type unconnected struct {
	tasks []Task
}

type connecting struct {
	tasks  []Task
	target Connect
}

type running struct {
	server runtime.Handle
	target Connect
}

func (*unconnected) connectionState() ConnectionState { return Unconnected }
func (*connecting) connectionState() ConnectionState  { return Connecting }
func (*running) connectionState() ConnectionState     { return Running }

func (s *unconnected) behavior(c *client) runtime.Behavior {
	return runtime.NewBehavior(
		runtime.On(func(ctx *runtime.Context, m Add) { s.tasks = c.queue(s.tasks, m) }),
		runtime.On(func(ctx *runtime.Context, m Sub) { s.tasks = c.queue(s.tasks, m) }),
		runtime.On(func(ctx *runtime.Context, m Connect) { c.connect(ctx, m, s.tasks) }),
	).Or(c.common())
}

func (s *connecting) behavior(c *client) runtime.Behavior {
	return runtime.NewBehavior(
		runtime.On(func(ctx *runtime.Context, m Add) { s.tasks = c.queue(s.tasks, m) }),
		runtime.On(func(ctx *runtime.Context, m Sub) { s.tasks = c.queue(s.tasks, m) }),
	).Or(c.common())
}

func (s *running) behavior(c *client) runtime.Behavior {
	return runtime.NewBehavior(
		runtime.On(func(ctx *runtime.Context, m Add) { c.dispatch(ctx, s.server, Task{Op: OpAdd, A: m.A, B: m.B}) }),
		runtime.On(func(ctx *runtime.Context, m Sub) { c.dispatch(ctx, s.server, Task{Op: OpSub, A: m.A, B: m.B}) }),
		runtime.On(func(ctx *runtime.Context, m Connect) { c.connect(ctx, m, nil) }),
	).Or(c.common())
}

type client struct {
	cfg      ClientConfig
	logger   *slog.Logger
	out      *console
	retryLog rate.Sometimes

	state clientState
	// server is the peer currently monitored; Down from any other source is stale.
	server runtime.Handle
}

func (c *client) enter(s clientState) runtime.Behavior {
	c.state = s
	c.emit(Event{Kind: EventState, State: s.connectionState()})
	return s.behavior(c)
}

func (c *client) common() runtime.Behavior {
	return runtime.NewBehavior(
		runtime.OnRequest(func(ctx *runtime.Context, _ StateQuery) (ConnectionState, error) {
			return c.state.connectionState(), nil
		}),
	)
}

func (c *client) queue(tasks []Task, msg any) []Task {
	t, _ := taskOf(msg)
	c.emit(Event{Kind: EventQueued, Task: t})
	return append(tasks, t)
}

// connect abandons the current server and resolves target. The resolver call
// is awaited so that everything arriving meanwhile is handled afterwards,
// against the outcome.
func (c *client) connect(ctx *runtime.Context, target Connect, tasks []Task) {
	// a Down for the old server may still be queued; it no longer matches
	c.server = nil
	k := &connecting{tasks: tasks, target: target}
	ctx.Become(c.enter(k))
	c.logger.Info("connecting", "endpoint", target.String(), "queued", len(tasks))

	ctx.Request(c.cfg.Resolver, c.cfg.ResolveTimeout, runtime.Resolve{Host: target.Host, Port: target.Port}).Await(
		func(v any) { c.resolved(ctx, k, v) },
		func(err error) { c.connectFailed(ctx, k, err) },
	)
}

func (c *client) resolved(ctx *runtime.Context, k *connecting, v any) {
	res, ok := v.(runtime.Resolved)
	if !ok {
		c.connectFailed(ctx, k, fmt.Errorf("%w: resolver answered %T", runtime.ErrResolutionFailed, v))
		return
	}
	if res.Handle == nil {
		c.out.fail("*** no server found at %q:%d", k.target.Host, k.target.Port)
		c.fallBack(ctx, k, fmt.Errorf("%w: nothing published at %s", runtime.ErrResolutionFailed, k.target))
		return
	}
	if missing := missingInterfaces(res.Interfaces); len(missing) > 0 {
		c.connectFailed(ctx, k, fmt.Errorf("%w: %s does not provide %s",
			runtime.ErrIncompatiblePeer, res.Handle, strings.Join(missing, ", ")))
		return
	}

	ctx.Monitor(res.Handle)
	c.server = res.Handle
	c.out.ok("*** successfully connected to server")
	c.logger.Info("connected", "endpoint", k.target.String(), "server", res.Handle.String(), "replaying", len(k.tasks))

	r := &running{server: res.Handle, target: k.target}
	ctx.Become(c.enter(r))
	for _, t := range k.tasks {
		c.dispatch(ctx, r.server, t)
	}
}

func (c *client) connectFailed(ctx *runtime.Context, k *connecting, err error) {
	c.out.fail("*** cannot connect to %q:%d => %v", k.target.Host, k.target.Port, err)
	c.fallBack(ctx, k, err)
}

func (c *client) fallBack(ctx *runtime.Context, k *connecting, err error) {
	c.logger.Warn("connect failed", "endpoint", k.target.String(), "error", err)
	c.emit(Event{Kind: EventConnectFailed, Err: err})
	ctx.Become(c.enter(&unconnected{tasks: k.tasks}))
}

// dispatch sends t to server. Any failure puts the identical operation back
// on the client's own mailbox, with no delay and no retry limit.
func (c *client) dispatch(ctx *runtime.Context, server runtime.Handle, t Task) {
	c.emit(Event{Kind: EventDispatched, Task: t})
	ctx.Request(server, c.cfg.TaskTimeout, t.Message()).Then(
		func(v any) {
			n, ok := v.(int)
			if !ok {
				c.out.fail("*** unexpected reply to %s: %v", t, v)
				c.emit(Event{Kind: EventResult, Task: t, Err: fmt.Errorf("%w: reply %T", runtime.ErrUnexpectedMessage, v)})
				return
			}
			c.out.plain("%s = %d", t, n)
			c.emit(Event{Kind: EventResult, Task: t, Result: n})
		},
		func(err error) { c.retry(ctx, t, err) },
	)
}

func (c *client) retry(ctx *runtime.Context, t Task, err error) {
	c.retryLog.Do(func() {
		c.logger.Warn("request failed, resubmitting", "task", t.String(), "error", err)
	})
	if ctx.System().MetricsEnabled() {
		metrics.RecordRetry(t.Op.String())
	}
	c.emit(Event{Kind: EventRetry, Task: t, Err: err})
	_ = ctx.Send(ctx.Self(), t.Message())
}

func (c *client) onDown(ctx *runtime.Context, d runtime.Down) {
	if c.server == nil || d.Source != c.server {
		c.logger.Debug("ignoring down for a superseded server", "source", d.Source.String())
		c.emit(Event{Kind: EventStaleDown, Err: d.Reason})
		return
	}
	c.server = nil
	c.out.fail("*** lost connection to server")
	c.logger.Warn("server down", "source", d.Source.String(), "reason", d.Reason)
	ctx.Become(c.enter(&unconnected{}))
}

func (c *client) emit(e Event) {
	if c.cfg.Events == nil {
		return
	}
	select {
	case c.cfg.Events <- e:
	default:
	}
}

func missingInterfaces(have []string) []string {
	var missing []string
	for _, want := range Interfaces {
		if !slices.Contains(have, want) {
			missing = append(missing, want)
		}
	}
	return missing
}

// console writes user-facing lines.
type console struct {
	out                io.Writer
	normal, green, red *color.Color
}

func newConsole(w io.Writer) *console {
	return &console{
		out:    w,
		normal: color.New(color.Reset),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
	}
}

func (o *console) plain(format string, args ...any) {
	_, _ = o.normal.Fprintf(o.out, format+"\n", args...)
}

func (o *console) ok(format string, args ...any) {
	_, _ = o.green.Fprintf(o.out, format+"\n", args...)
}

func (o *console) fail(format string, args ...any) {
	_, _ = o.red.Fprintf(o.out, format+"\n", args...)
}
