package runtime

import (
	"fmt"
	"weak"
)

// AgentID identifies an agent within one System. Ids start at 1 and are never reused.
type AgentID uint64

// Handle addresses an agent, local or remote. Handles are comparable with ==:
// two handles are equal only if they denote the same agent through the same route,
// so a proxy obtained over a new connection never equals one from an older connection.
type Handle interface {
	ID() AgentID
	Node() string
	String() string

	enqueue(env *envelope) error
	attachMonitor(m *monitorEntry) bool
	detachMonitor(watcher AgentID)
}

// localHandle addresses an agent running in this process.
type localHandle struct {
	proc *process
}

func (h *localHandle) ID() AgentID  { return h.proc.id }
func (h *localHandle) Node() string { return h.proc.sys.nodeID }

func (h *localHandle) String() string {
	return fmt.Sprintf("agent/%d@%s", h.proc.id, h.proc.sys.nodeID)
}

func (h *localHandle) enqueue(env *envelope) error {
	if !h.proc.mailbox.push(env) {
		return fmt.Errorf("%w: %s", ErrAgentGone, h)
	}
	return nil
}

func (h *localHandle) attachMonitor(m *monitorEntry) bool {
	return h.proc.attachMonitor(m)
}

func (h *localHandle) detachMonitor(watcher AgentID) {
	h.proc.detachMonitor(watcher)
}

// WeakHandle refers to a local agent without keeping it alive.
type WeakHandle struct {
	ptr weak.Pointer[process]
	id  AgentID
}

func weakHandleOf(p *process) WeakHandle {
	return WeakHandle{ptr: weak.Make(p), id: p.id}
}

// Weak returns a weak reference to h, or the zero WeakHandle when h is not local.
func Weak(h Handle) WeakHandle {
	if lh, ok := h.(*localHandle); ok {
		return weakHandleOf(lh.proc)
	}
	return WeakHandle{}
}

// ID returns the id of the referenced agent, even after it is gone.
func (w WeakHandle) ID() AgentID { return w.id }

// Strong returns the handle while the agent is alive, nil afterwards.
func (w WeakHandle) Strong() Handle {
	p := w.ptr.Value()
	if p == nil || p.isDead() {
		return nil
	}
	return p.self
}

// replySink routes a single response to a waiting goroutine. It backs System.Ask.
type replySink struct {
	node string
	ch   chan *envelope
}

func newReplySink(node string) *replySink {
	return &replySink{node: node, ch: make(chan *envelope, 1)}
}

func (s *replySink) ID() AgentID    { return 0 }
func (s *replySink) Node() string   { return s.node }
func (s *replySink) String() string { return "asker@" + s.node }

func (s *replySink) enqueue(env *envelope) error {
	if env.kind != kindResponse {
		return fmt.Errorf("%w: asker only accepts replies", ErrUnexpectedMessage)
	}
	select {
	case s.ch <- env:
		return nil
	default:
		return fmt.Errorf("%w: asker already answered", ErrAgentGone)
	}
}

func (s *replySink) attachMonitor(*monitorEntry) bool { return true }
func (s *replySink) detachMonitor(AgentID)            {}
