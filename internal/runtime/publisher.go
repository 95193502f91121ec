package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aixgo-dev/remoting/internal/observability"
	metrics "github.com/aixgo-dev/remoting/pkg/observability"
	pb "github.com/aixgo-dev/remoting/proto"
)

// publication is one agent bound to one listening port.
type publication struct {
	port       int
	handle     Handle
	interfaces []string
	server     *grpc.Server
}

func (p *publication) stop() {
	p.server.Stop()
}

// Publish makes h reachable on port (0 picks a free port) and returns the
// bound port. interfaces are announced to every peer that resolves it.
func (m *Middleman) Publish(h Handle, port int, interfaces ...string) (int, error) {
	_, span := observability.StartSpan(context.Background(), "remoting.publish",
		attribute.Int("port", port),
	)
	bound, err := m.publish(h, port, interfaces)
	observability.EndSpan(span, err)
	return bound, err
}

func (m *Middleman) publish(h Handle, port int, interfaces []string) (int, error) {
	if h == nil {
		return 0, fmt.Errorf("%w: nil handle", ErrPublishFailed)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %d", ErrPublishFailed, port)
	}

	opts, err := m.buildServerOptions()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(m.listenHost, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	bound := lis.Addr().(*net.TCPAddr).Port

	pub := &publication{
		port:       bound,
		handle:     h,
		interfaces: append([]string(nil), interfaces...),
		server:     grpc.NewServer(opts...),
	}
	pb.RegisterNodeServer(pub.server, &nodeService{mm: m, pub: pub})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = lis.Close()
		return 0, fmt.Errorf("%w: middleman closed", ErrPublishFailed)
	}
	m.published[bound] = pub
	n := len(m.published)
	m.mu.Unlock()
	m.setPublished(n)

	go func() {
		if err := pub.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			m.logger.Error("publication stopped serving", "port", bound, "error", err)
		}
	}()

	m.logger.Info("agent published", "port", bound, "agent", h.String(), "interfaces", interfaces)
	return bound, nil
}

// Unpublish closes the listener on port and drops every stream it accepted.
func (m *Middleman) Unpublish(port int) error {
	m.mu.Lock()
	pub, ok := m.published[port]
	delete(m.published, port)
	n := len(m.published)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no agent published at port %d", port)
	}
	m.setPublished(n)
	pub.stop()
	m.logger.Info("agent unpublished", "port", port)
	return nil
}

// Published returns the ports with a published agent.
func (m *Middleman) Published() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ports := make([]int, 0, len(m.published))
	for port := range m.published {
		ports = append(ports, port)
	}
	return ports
}

// buildServerOptions creates gRPC server options from TLS, keepalive, and metrics settings.
func (m *Middleman) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             m.keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    m.keepaliveTime,
			Timeout: m.keepaliveTimeout,
		}),
	}
	creds, err := m.tlsConfig.serverCredentials()
	if err != nil {
		return nil, err
	}
	if creds != nil {
		opts = append(opts, creds)
	}
	if m.sys.config.EnableMetrics {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(unaryMetricsInterceptor),
			grpc.ChainStreamInterceptor(streamMetricsInterceptor),
		)
	}
	return opts, nil
}

func unaryMetricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
	return resp, err
}

func streamMetricsInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
	return err
}

// nodeService serves one publication.
type nodeService struct {
	pb.UnimplementedNodeServer
	mm  *Middleman
	pub *publication
}

func (s *nodeService) Handshake(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	w := pb.Welcome{Node: s.mm.sys.nodeID, Interfaces: s.pub.interfaces}
	if lh, ok := s.pub.handle.(*localHandle); !ok || !lh.proc.isDead() {
		w.Agent = uint64(s.pub.handle.ID())
	}
	s.mm.logger.Debug("handshake", "peer", pb.HelloNode(in), "port", s.pub.port)
	return pb.NewWelcome(w)
}

func (s *nodeService) Exchange(stream pb.Node_ExchangeServer) error {
	sink := &streamSink{mm: s.mm, stream: stream}
	defer sink.close()

	var (
		peerAddr string
		limit    *rate.Limiter
	)
	if p, ok := peer.FromContext(stream.Context()); ok {
		peerAddr = p.Addr.String()
	}
	if s.mm.limiter != nil {
		limit = s.mm.limiter.acquire(peerAddr)
		defer s.mm.limiter.release(peerAddr)
	}
	if lh, ok := s.pub.handle.(*localHandle); ok {
		go sink.watch(stream.Context(), lh.proc)
	}

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.mm.recordFrame("in", frame.Kind)
		s.dispatch(stream.Context(), sink, limit, frame)
	}
}

// dispatch hands one inbound frame to the published agent. Requests that
// cannot be delivered are answered right away.
func (s *nodeService) dispatch(ctx context.Context, sink *streamSink, limit *rate.Limiter, frame *pb.Frame) {
	_, span := observability.StartSpan(ctx, "remoting.inbound",
		attribute.String("frame.kind", frame.Kind.String()),
		attribute.Int64("request.id", int64(frame.ReqID)),
		attribute.Int("port", s.pub.port),
	)
	err := s.deliver(sink, limit, frame)
	if err != nil && frame.Kind == pb.FrameRequest {
		sink.reply(frame.ReqID, nil, err)
	}
	observability.EndSpan(span, err)
}

func (s *nodeService) deliver(sink *streamSink, limit *rate.Limiter, frame *pb.Frame) error {
	var kind envelopeKind
	switch frame.Kind {
	case pb.FrameMessage:
		kind = kindMessage
	case pb.FrameRequest:
		kind = kindRequest
	default:
		return fmt.Errorf("%w: frame kind %s", ErrUnexpectedMessage, frame.Kind)
	}

	if limit != nil && !s.mm.limiter.allow(limit) {
		return fmt.Errorf("%w: rate limit exceeded", ErrRejected)
	}
	if frame.Dest != 0 && AgentID(frame.Dest) != s.pub.handle.ID() {
		return fmt.Errorf("%w: agent %d", ErrAgentGone, frame.Dest)
	}

	payload, err := s.mm.sys.types.Decode(frame.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedMessage, err)
	}

	env := &envelope{kind: kind, reqID: frame.ReqID, payload: payload}
	if kind == kindRequest {
		env.sender = sink
	}
	return s.pub.handle.enqueue(env)
}

// streamSink is the reply route for requests that arrived on one inbound
// stream. It accepts only responses.
type streamSink struct {
	mm     *Middleman
	stream pb.Node_ExchangeServer

	mu     sync.Mutex
	closed bool
}

func (s *streamSink) ID() AgentID    { return 0 }
func (s *streamSink) Node() string   { return "" }
func (s *streamSink) String() string { return "remote requester" }

func (s *streamSink) enqueue(env *envelope) error {
	if env.kind != kindResponse {
		return fmt.Errorf("%w: remote requesters only accept replies", ErrUnexpectedMessage)
	}
	return s.reply(env.reqID, env.payload, env.err)
}

func (s *streamSink) reply(reqID uint64, v any, err error) error {
	frame := &pb.Frame{Kind: pb.FrameResponse, ReqID: reqID}
	if err != nil {
		frame.Error = toErrorInfo(err)
	} else if payload, encErr := s.mm.sys.types.Encode(v); encErr != nil {
		frame.Error = toErrorInfo(fmt.Errorf("%w: %v", ErrUnexpectedMessage, encErr))
	} else {
		frame.Payload = payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: requester disconnected", ErrPeerUnreachable)
	}
	if sendErr := s.stream.Send(frame); sendErr != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, sendErr)
	}
	s.mm.recordFrame("out", pb.FrameResponse)
	return nil
}

// watch tells the requester when the published agent terminates, so its
// monitors on the proxy fire while the connection itself stays healthy.
func (s *streamSink) watch(ctx context.Context, p *process) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return
	}
	reason := p.exitReason
	if reason == nil {
		reason = ExitNormal
	}
	frame := &pb.Frame{Kind: pb.FrameDown, Dest: uint64(p.id), Error: toErrorInfo(reason)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.stream.Send(frame); err != nil {
		s.mm.logger.Debug("down not delivered", "agent", p.id, "error", err)
		return
	}
	s.mm.recordFrame("out", pb.FrameDown)
}

func (s *streamSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *streamSink) attachMonitor(*monitorEntry) bool { return true }
func (s *streamSink) detachMonitor(AgentID)            {}
