package runtime

import "sync"

type envelopeKind uint8

const (
	kindMessage envelopeKind = iota
	kindRequest
	kindResponse
	kindDown
)

// envelope is the unit of delivery. sender is nil for anonymous messages.
type envelope struct {
	kind    envelopeKind
	sender  Handle
	reqID   uint64
	payload any
	err     error
}

// mailbox is an unbounded FIFO queue. Producers never block; the owning
// agent goroutine waits on signal and drains everything queued so far.
type mailbox struct {
	mu     sync.Mutex
	queue  []*envelope
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends env and reports whether the mailbox still accepts messages.
func (m *mailbox) push(env *envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything queued, oldest first.
func (m *mailbox) drain() []*envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// close rejects further pushes and returns what was still queued.
func (m *mailbox) close() []*envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	q := m.queue
	m.queue = nil
	return q
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
