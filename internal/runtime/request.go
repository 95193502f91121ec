package runtime

import (
	"errors"
	"fmt"
	"time"
)

// Pending is an outstanding request. Attach exactly one of Then or Await
// before the handler that issued the request returns.
type Pending struct {
	proc *process
	id   uint64
}

// Request sends msg to target and registers a response slot. timeout <= 0
// means no deadline. The reply, the deadline, and any delivery failure all
// arrive through this agent's mailbox, so the slot resolves exactly once.
func (c *Context) Request(target Handle, timeout time.Duration, msg any) *Pending {
	p := c.proc
	id := p.sys.nextRequestID()
	pr := &pendingRequest{id: id, started: time.Now(), route: target}
	if target != nil {
		pr.target = target.String()
	}
	p.pending[id] = pr

	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			p.mailbox.push(&envelope{
				kind:  kindResponse,
				reqID: id,
				err:   fmt.Errorf("%w after %s", ErrRequestTimeout, timeout),
			})
		})
	}

	var err error
	if target == nil {
		err = fmt.Errorf("%w: nil handle", ErrAgentGone)
	} else {
		err = target.enqueue(&envelope{kind: kindRequest, sender: p.self, reqID: id, payload: msg})
	}
	if err != nil {
		p.mailbox.push(&envelope{kind: kindResponse, reqID: id, err: err})
	}
	return &Pending{proc: p, id: id}
}

// ID returns the correlation id.
func (r *Pending) ID() uint64 {
	return r.id
}

// Then installs continuations; regular message processing goes on meanwhile.
func (r *Pending) Then(onResult func(any), onError func(error)) {
	if pr, ok := r.proc.pending[r.id]; ok {
		pr.onResult = onResult
		pr.onError = onError
	}
}

// Await installs continuations and suspends the agent's behavior until the
// request resolves. Every other message is held back and handled afterwards
// in arrival order. Awaits issued inside an await continuation nest.
func (r *Pending) Await(onResult func(any), onError func(error)) {
	r.Then(onResult, onError)
	if _, ok := r.proc.pending[r.id]; ok {
		r.proc.awaiting = append(r.proc.awaiting, r.id)
	}
}

func (p *process) resolve(env *envelope) {
	pr, ok := p.pending[env.reqID]
	if !ok {
		p.sys.logger.Debug("dropping late response", "agent", p.id, "request", env.reqID)
		return
	}
	delete(p.pending, env.reqID)
	pr.cancel()
	releaseRoute(pr.route, env.reqID)
	p.sys.recordRequest(outcomeOf(env.err), time.Since(pr.started))

	if env.err != nil {
		if pr.onError != nil {
			p.safely("error continuation", func() { pr.onError(env.err) })
		}
		return
	}
	if pr.onResult != nil {
		p.safely("result continuation", func() { pr.onResult(env.payload) })
	}
}

// routeReleaser is a handle that keeps per-request reply state, such as a
// remote proxy's in-flight table.
type routeReleaser interface {
	forget(reqID uint64)
}

// releaseRoute drops whatever the route still holds for reqID. After a real
// response it is a no-op; after a timeout it frees the slot.
func releaseRoute(route Handle, reqID uint64) {
	if r, ok := route.(routeReleaser); ok {
		r.forget(reqID)
	}
}

func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUnexpectedMessage):
		return "unexpected"
	case errors.Is(err, ErrAgentGone):
		return "gone"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.As(err, &remote):
		return "remote_error"
	default:
		return "error"
	}
}
