package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"google.golang.org/grpc"

	pb "github.com/aixgo-dev/remoting/proto"
)

// peerConn is one outbound connection: a gRPC client connection plus the
// Exchange stream that carries requests and their responses.
type peerConn struct {
	mm         *Middleman
	endpoint   Endpoint
	node       string
	interfaces []string
	proxy      *remoteHandle
	logger     *slog.Logger

	cc     *grpc.ClientConn
	stream pb.Node_ExchangeClient
	cancel context.CancelFunc

	sendMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint64]Handle
	monitors []*monitorEntry
	closed   bool
	done     chan struct{}
}

func newPeerConn(m *Middleman, ep Endpoint, cc *grpc.ClientConn, stream pb.Node_ExchangeClient, cancel context.CancelFunc, w pb.Welcome) *peerConn {
	c := &peerConn{
		mm:         m,
		endpoint:   ep,
		node:       w.Node,
		interfaces: w.Interfaces,
		logger:     m.logger.With("endpoint", ep.String(), "peer", w.Node),
		cc:         cc,
		stream:     stream,
		cancel:     cancel,
		inflight:   make(map[uint64]Handle),
		done:       make(chan struct{}),
	}
	if w.Agent != 0 {
		c.proxy = &remoteHandle{conn: c, id: AgentID(w.Agent)}
	}
	return c
}

func (c *peerConn) resolved() Resolved {
	r := Resolved{Node: c.node, Interfaces: slices.Clone(c.interfaces)}
	if c.proxy != nil {
		r.Handle = c.proxy
	}
	return r
}

func (c *peerConn) agentID() AgentID {
	if c.proxy == nil {
		return 0
	}
	return c.proxy.id
}

func (c *peerConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver encodes env for the remote agent dest and writes it to the stream.
func (c *peerConn) deliver(dest AgentID, env *envelope) error {
	var kind pb.FrameKind
	switch env.kind {
	case kindMessage:
		kind = pb.FrameMessage
	case kindRequest:
		kind = pb.FrameRequest
	default:
		return fmt.Errorf("%w: only messages and requests cross the wire", ErrUnexpectedMessage)
	}

	payload, err := c.mm.sys.types.Encode(env.payload)
	if err != nil {
		return err
	}
	frame := &pb.Frame{Kind: kind, ReqID: env.reqID, Dest: uint64(dest), Payload: payload}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, c.endpoint)
	}
	if kind == pb.FrameRequest && env.sender != nil {
		c.inflight[env.reqID] = env.sender
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	err = c.stream.Send(frame)
	c.sendMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.inflight != nil {
			delete(c.inflight, env.reqID)
		}
		c.mu.Unlock()
		go c.fail(err)
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, c.endpoint, err)
	}
	c.mm.recordFrame("out", kind)
	return nil
}

func (c *peerConn) recvLoop() {
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		c.mm.recordFrame("in", frame.Kind)
		switch frame.Kind {
		case pb.FrameResponse:
			c.respond(frame)
		case pb.FrameDown:
			c.agentDown(frame)
			return
		default:
			c.logger.Debug("ignoring frame", "kind", frame.Kind.String())
		}
	}
}

func (c *peerConn) respond(frame *pb.Frame) {
	c.mu.Lock()
	sender, ok := c.inflight[frame.ReqID]
	delete(c.inflight, frame.ReqID)
	c.mu.Unlock()
	if !ok {
		return
	}

	resp := &envelope{kind: kindResponse, sender: c.proxy, reqID: frame.ReqID}
	var err error
	if frame.Error != nil {
		resp.err = fromErrorInfo(frame.Error)
	} else if resp.payload, err = c.mm.sys.types.Decode(frame.Payload); err != nil {
		resp.err = fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
	}
	_ = sender.enqueue(resp)
}

// agentDown handles the published agent's termination. The connection is
// useless without it, so it is torn down with the agent's exit reason.
func (c *peerConn) agentDown(frame *pb.Frame) {
	var reason error = ErrAgentGone
	if frame.Error != nil {
		reason = fromErrorInfo(frame.Error)
	}
	c.teardown(reason, fmt.Errorf("%w: agent %d at %s", ErrAgentGone, frame.Dest, c.endpoint), "remote agent terminated")
}

// forget drops the reply route for a request the caller gave up on.
func (c *peerConn) forget(reqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		delete(c.inflight, reqID)
	}
}

func (c *peerConn) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *peerConn) attachMonitor(m *monitorEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.monitors = append(c.monitors, m)
	return true
}

func (c *peerConn) detachMonitor(watcher AgentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.monitors[:0]
	for _, m := range c.monitors {
		if m.watcher.ID() != watcher {
			kept = append(kept, m)
		}
	}
	clear(c.monitors[len(kept):])
	c.monitors = kept
}

// fail tears the connection down after a transport error. Watchers and
// in-flight requests see ErrPeerUnreachable.
func (c *peerConn) fail(cause error) {
	reason := fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, c.endpoint, cause)
	c.teardown(reason, reason, "lost connection to peer")
}

// teardown closes the connection once: watchers learn about the loss first,
// then every in-flight request fails with inflightErr in issue order.
func (c *peerConn) teardown(monitorReason, inflightErr error, msg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	inflight := c.inflight
	c.inflight = nil
	monitors := c.monitors
	c.monitors = nil
	c.mu.Unlock()

	c.cancel()
	_ = c.cc.Close()
	c.mm.forget(c)
	c.logger.Warn(msg, "reason", monitorReason, "in_flight", len(inflight))

	for _, m := range monitors {
		m.fire(monitorReason)
	}
	for _, id := range slices.Sorted(maps.Keys(inflight)) {
		_ = inflight[id].enqueue(&envelope{kind: kindResponse, sender: c.proxy, reqID: id, err: inflightErr})
	}
	close(c.done)
}

// shutdown closes a connection that was never handed out.
func (c *peerConn) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.cc.Close()
}

// remoteHandle is a proxy for an agent published on another node, bound to
// the connection it was resolved over.
type remoteHandle struct {
	conn *peerConn
	id   AgentID
}

func (h *remoteHandle) ID() AgentID  { return h.id }
func (h *remoteHandle) Node() string { return h.conn.node }

func (h *remoteHandle) String() string {
	return fmt.Sprintf("agent/%d@%s via %s", h.id, h.conn.node, h.conn.endpoint)
}

func (h *remoteHandle) enqueue(env *envelope) error {
	return h.conn.deliver(h.id, env)
}

func (h *remoteHandle) attachMonitor(m *monitorEntry) bool {
	return h.conn.attachMonitor(m)
}

func (h *remoteHandle) detachMonitor(watcher AgentID) {
	h.conn.detachMonitor(watcher)
}

func (h *remoteHandle) forget(reqID uint64) {
	h.conn.forget(reqID)
}
