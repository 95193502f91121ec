package runtime

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// process is the running instance of an agent: its mailbox, its goroutine,
// and the state only that goroutine touches.
type process struct {
	sys     *System
	id      AgentID
	self    *localHandle
	mailbox *mailbox

	stopCh     chan struct{}
	stopOnce   sync.Once
	stopReason error
	done       chan struct{}
	exitReason error // readable once done is closed

	// monitors and dead are shared with other goroutines
	mu       sync.Mutex
	monitors []*monitorEntry
	dead     bool

	// owned by the agent goroutine
	ctx         *Context
	behavior    Behavior
	downHandler func(*Context, Down)
	inbox       []*envelope
	deferred    []*envelope
	stash       []*envelope
	pending     map[uint64]*pendingRequest
	awaiting    []uint64
	quitReason  error
}

func newProcess(sys *System, id AgentID) *process {
	p := &process{
		sys:     sys,
		id:      id,
		mailbox: newMailbox(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[uint64]*pendingRequest),
	}
	p.self = &localHandle{proc: p}
	p.ctx = &Context{proc: p}
	return p
}

// run is the agent loop. Messages are handled one at a time; the deferred
// queue (messages released by a resolved await) is consulted before the inbox.
func (p *process) run(init func(*Context) Behavior) {
	reason := ExitNormal
	defer func() {
		p.terminate(reason)
	}()

	p.safely("init", func() {
		p.behavior = init(p.ctx)
	})

	for {
		if p.quitReason != nil {
			reason = p.quitReason
			return
		}
		select {
		case <-p.stopCh:
			reason = p.stopReason
			return
		default:
		}

		env := p.next()
		if env == nil {
			select {
			case <-p.stopCh:
				reason = p.stopReason
				return
			case <-p.mailbox.signal:
				p.inbox = append(p.inbox, p.mailbox.drain()...)
			}
			continue
		}
		p.dispatch(env)
	}
}

func (p *process) next() *envelope {
	if len(p.deferred) > 0 {
		env := p.deferred[0]
		p.deferred[0] = nil
		p.deferred = p.deferred[1:]
		return env
	}
	if len(p.inbox) == 0 {
		p.inbox = p.mailbox.drain()
	}
	if len(p.inbox) > 0 {
		env := p.inbox[0]
		p.inbox[0] = nil
		p.inbox = p.inbox[1:]
		return env
	}
	return nil
}

func (p *process) dispatch(env *envelope) {
	if n := len(p.awaiting); n > 0 {
		if env.kind != kindResponse || env.reqID != p.awaiting[n-1] {
			p.stash = append(p.stash, env)
			return
		}
		p.awaiting = p.awaiting[:n-1]
		p.resolve(env)
		p.unstash()
		return
	}

	switch env.kind {
	case kindResponse:
		p.resolve(env)
	case kindDown:
		p.handleDown(env)
	default:
		p.handle(env)
	}
}

// unstash releases messages held back by an await so they are handled next,
// in arrival order, ahead of anything still deferred from outer awaits.
func (p *process) unstash() {
	if len(p.stash) == 0 {
		return
	}
	released := p.stash
	p.stash = nil
	p.deferred = append(released, p.deferred...)
}

func (p *process) handle(env *envelope) {
	p.ctx.begin(env)
	defer p.ctx.end()

	var (
		reply   any
		matched bool
		err     error
	)
	p.safely("handler", func() {
		reply, matched, err = p.behavior.apply(p.ctx, env.payload)
	})
	if p.ctx.panicked {
		matched, err = true, fmt.Errorf("%w: %s", ErrAgentGone, p.self)
	}

	if env.kind != kindRequest {
		if !matched {
			p.sys.logger.Debug("dropping unmatched message",
				"agent", p.id, "type", fmt.Sprintf("%T", env.payload))
		}
		return
	}
	if p.ctx.delegated {
		return
	}
	if !matched {
		err = fmt.Errorf("%w: %T", ErrUnexpectedMessage, env.payload)
	}
	p.respond(env, reply, err)
}

func (p *process) respond(req *envelope, reply any, err error) {
	if req.sender == nil {
		return
	}
	resp := &envelope{kind: kindResponse, sender: p.self, reqID: req.reqID, payload: reply, err: err}
	if sendErr := req.sender.enqueue(resp); sendErr != nil {
		p.sys.logger.Debug("reply not delivered",
			"agent", p.id, "to", req.sender.String(), "error", sendErr)
	}
}

func (p *process) handleDown(env *envelope) {
	if p.downHandler == nil {
		p.handle(env)
		return
	}
	d, _ := env.payload.(Down)
	p.ctx.begin(env)
	defer p.ctx.end()
	p.safely("down handler", func() {
		p.downHandler(p.ctx, d)
	})
}

// safely runs user code. A panic terminates the agent after the current message.
func (p *process) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.sys.logger.Error("agent panicked",
				"agent", p.id, "in", what, "panic", r, "stack", string(debug.Stack()))
			p.ctx.panicked = true
			if p.quitReason == nil {
				p.quitReason = fmt.Errorf("%w: %v", ExitPanic, r)
			}
		}
	}()
	fn()
}

func (p *process) stop(reason error) {
	p.stopOnce.Do(func() {
		p.stopReason = reason
		close(p.stopCh)
	})
}

func (p *process) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *process) attachMonitor(m *monitorEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.monitors = append(p.monitors, m)
	return true
}

func (p *process) detachMonitor(watcher AgentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.monitors[:0]
	for _, m := range p.monitors {
		if m.watcher.ID() != watcher {
			kept = append(kept, m)
		}
	}
	clear(p.monitors[len(kept):])
	p.monitors = kept
}

// terminate answers every request still queued with ErrAgentGone, cancels
// outstanding timers, and fires monitors with reason.
func (p *process) terminate(reason error) {
	for id, pr := range p.pending {
		pr.cancel()
		releaseRoute(pr.route, id)
	}
	p.pending = nil
	p.awaiting = nil

	p.mu.Lock()
	p.dead = true
	monitors := p.monitors
	p.monitors = nil
	p.mu.Unlock()

	var leftover []*envelope
	leftover = append(leftover, p.deferred...)
	leftover = append(leftover, p.stash...)
	leftover = append(leftover, p.inbox...)
	leftover = append(leftover, p.mailbox.close()...)
	p.deferred, p.stash, p.inbox = nil, nil, nil

	gone := fmt.Errorf("%w: %s", ErrAgentGone, p.self)
	for _, env := range leftover {
		if env.kind == kindRequest {
			p.respond(env, nil, gone)
		}
	}

	for _, m := range monitors {
		m.fire(reason)
	}

	p.exitReason = reason
	p.sys.remove(p)
	if reason != nil && !errors.Is(reason, ExitNormal) && !errors.Is(reason, ExitUserShutdown) {
		p.sys.logger.Warn("agent terminated", "agent", p.id, "reason", reason)
	} else {
		p.sys.logger.Debug("agent terminated", "agent", p.id, "reason", reason)
	}
	close(p.done)
}

// pendingRequest is an outstanding request issued by this agent.
type pendingRequest struct {
	id       uint64
	target   string
	route    Handle
	started  time.Time
	timer    *time.Timer
	onResult func(any)
	onError  func(error)
}

func (pr *pendingRequest) cancel() {
	if pr.timer != nil {
		pr.timer.Stop()
	}
}
