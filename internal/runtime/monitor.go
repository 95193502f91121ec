package runtime

import "sync"

// Down notifies a watcher that a monitored agent terminated or became
// unreachable. Source is the exact handle passed to Monitor.
type Down struct {
	Source Handle
	Reason error
}

// monitorEntry is one registration. It fires at most once and never keeps
// the watcher alive.
type monitorEntry struct {
	watcher WeakHandle
	source  Handle
	sys     *System
	once    sync.Once
}

func (m *monitorEntry) fire(reason error) {
	m.once.Do(func() {
		w := m.watcher.Strong()
		if w == nil {
			return
		}
		if err := w.enqueue(&envelope{kind: kindDown, payload: Down{Source: m.source, Reason: reason}}); err == nil {
			m.sys.recordDown()
		}
	})
}

// Monitor asks for a Down message when target terminates or its connection
// is lost. Monitoring an agent that is already gone yields a Down right away.
func (c *Context) Monitor(target Handle) {
	if target == nil {
		return
	}
	m := &monitorEntry{watcher: weakHandleOf(c.proc), source: target, sys: c.proc.sys}
	if !target.attachMonitor(m) {
		m.fire(ErrAgentGone)
	}
}

// Demonitor removes every registration this agent holds on target.
func (c *Context) Demonitor(target Handle) {
	if target == nil {
		return
	}
	target.detachMonitor(c.proc.id)
}
