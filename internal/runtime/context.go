package runtime

import (
	"fmt"
	"log/slog"
	"sync"
)

// Context is an agent's view of the runtime. It is only valid on the agent's
// own goroutine, inside init, handlers and continuations.
type Context struct {
	proc *process

	env       *envelope
	delegated bool
	panicked  bool
}

func (c *Context) begin(env *envelope) {
	c.env = env
	c.delegated = false
	c.panicked = false
}

func (c *Context) end() {
	c.env = nil
}

// Self returns the agent's own handle.
func (c *Context) Self() Handle {
	return c.proc.self
}

// Sender returns the sender of the current message, or nil if it was anonymous.
func (c *Context) Sender() Handle {
	if c.env == nil {
		return nil
	}
	return c.env.sender
}

// System returns the System the agent runs in.
func (c *Context) System() *System {
	return c.proc.sys
}

// Logger returns the system logger annotated with the agent id.
func (c *Context) Logger() *slog.Logger {
	return c.proc.sys.logger.With("agent", c.proc.id)
}

// Become replaces the active behavior, starting with the next message.
func (c *Context) Become(b Behavior) {
	c.proc.behavior = b
}

// SetDownHandler installs the handler for Down notifications. It survives Become.
// Without a handler, Down is offered to the active behavior like any other message.
func (c *Context) SetDownHandler(fn func(*Context, Down)) {
	c.proc.downHandler = fn
}

// Send enqueues msg on target's mailbox with this agent as sender.
func (c *Context) Send(target Handle, msg any) error {
	if target == nil {
		return fmt.Errorf("%w: nil handle", ErrAgentGone)
	}
	return target.enqueue(&envelope{kind: kindMessage, sender: c.proc.self, payload: msg})
}

// Quit terminates the agent after the current message.
func (c *Context) Quit(reason error) {
	if reason == nil {
		reason = ExitNormal
	}
	if c.proc.quitReason == nil {
		c.proc.quitReason = reason
	}
}

// Promise detaches the reply of the current request from the handler's return.
// It returns an inert promise when the current message is not a request.
func (c *Context) Promise() *Promise {
	if c.env == nil || c.env.kind != kindRequest || c.env.sender == nil {
		return &Promise{}
	}
	c.delegated = true
	return &Promise{self: c.proc.self, sender: c.env.sender, reqID: c.env.reqID}
}

// Promise answers one request later, from any goroutine. Only the first
// Deliver or Fail takes effect.
type Promise struct {
	self   Handle
	sender Handle
	reqID  uint64
	once   sync.Once
}

// Deliver answers the request with v.
func (p *Promise) Deliver(v any) {
	p.settle(v, nil)
}

// Fail answers the request with err.
func (p *Promise) Fail(err error) {
	p.settle(nil, err)
}

func (p *Promise) settle(v any, err error) {
	p.once.Do(func() {
		if p.sender == nil {
			return
		}
		_ = p.sender.enqueue(&envelope{kind: kindResponse, sender: p.self, reqID: p.reqID, payload: v, err: err})
	})
}
