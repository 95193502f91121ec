package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/aixgo-dev/remoting/internal/observability"
	metrics "github.com/aixgo-dev/remoting/pkg/observability"
	pb "github.com/aixgo-dev/remoting/proto"
)

const (
	defaultConnectTimeout   = 5 * time.Second
	defaultKeepaliveTime    = 10 * time.Second
	defaultKeepaliveTimeout = 5 * time.Second
)

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Resolve asks the resolver agent for the agent published at Host:Port.
type Resolve struct {
	Host string
	Port int
}

// Resolved answers Resolve. Handle is nil when nothing is published at the
// endpoint; Interfaces lists what the published agent declared.
type Resolved struct {
	Node       string
	Handle     Handle
	Interfaces []string
}

// Middleman connects a System to other nodes: it publishes local agents on
// ports and resolves endpoints to proxies for agents published elsewhere.
type Middleman struct {
	sys    *System
	logger *slog.Logger

	tlsConfig        *TLSConfig
	connectTimeout   time.Duration
	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
	listenHost       string
	rateLimit        float64
	rateBurst        int
	limiter          *inboundLimiter

	mu        sync.RWMutex
	published map[int]*publication
	conns     map[Endpoint]*peerConn
	closed    bool

	resolverOnce sync.Once
	resolver     Handle
}

// DistributedOption configures a Middleman.
type DistributedOption func(*Middleman)

// WithTLS configures TLS for node-to-node connections.
func WithTLS(cfg *TLSConfig) DistributedOption {
	return func(m *Middleman) {
		m.tlsConfig = cfg
	}
}

// WithConnectTimeout bounds the dial and handshake of Remote.
func WithConnectTimeout(d time.Duration) DistributedOption {
	return func(m *Middleman) {
		m.connectTimeout = d
	}
}

// WithKeepalive sets the ping interval and the ack timeout after which an
// idle connection counts as lost.
func WithKeepalive(interval, timeout time.Duration) DistributedOption {
	return func(m *Middleman) {
		m.keepaliveTime = interval
		m.keepaliveTimeout = timeout
	}
}

// WithRateLimit limits inbound requests per second, globally and per peer.
// Zero disables limiting.
func WithRateLimit(rps float64, burst int) DistributedOption {
	return func(m *Middleman) {
		m.rateLimit = rps
		m.rateBurst = burst
	}
}

// WithListenHost sets the interface Publish binds to (default all).
func WithListenHost(host string) DistributedOption {
	return func(m *Middleman) {
		m.listenHost = host
	}
}

// NewMiddleman creates the distribution layer for sys.
func NewMiddleman(sys *System, opts ...DistributedOption) *Middleman {
	m := &Middleman{
		sys:              sys,
		connectTimeout:   defaultConnectTimeout,
		keepaliveTime:    defaultKeepaliveTime,
		keepaliveTimeout: defaultKeepaliveTimeout,
		published:        make(map[int]*publication),
		conns:            make(map[Endpoint]*peerConn),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = sys.logger.With("component", "middleman")
	m.limiter = newInboundLimiter(m.rateLimit, m.rateBurst)
	return m
}

// System returns the System this middleman serves.
func (m *Middleman) System() *System {
	return m.sys
}

// Remote connects to host:port and returns a proxy for the agent published
// there. Live connections are reused; a connection that was lost is replaced
// by a new one with a new proxy.
func (m *Middleman) Remote(ctx context.Context, host string, port int) (Resolved, error) {
	ep := Endpoint{Host: host, Port: port}
	if port <= 0 || port > 65535 {
		return Resolved{}, fmt.Errorf("%w: %s: invalid port", ErrResolutionFailed, ep)
	}

	m.mu.RLock()
	closed := m.closed
	c := m.conns[ep]
	m.mu.RUnlock()
	if closed {
		return Resolved{}, fmt.Errorf("%w: %s: middleman closed", ErrResolutionFailed, ep)
	}
	if c != nil && !c.isClosed() {
		return c.resolved(), nil
	}

	ctx, span := observability.StartSpan(ctx, "remoting.resolve",
		attribute.String("endpoint", ep.String()),
	)
	c, err := m.dial(ctx, ep)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrResolutionFailed, ep, err)
		observability.EndSpan(span, err)
		return Resolved{}, err
	}
	span.SetAttributes(attribute.String("peer.node", c.node))
	observability.EndSpan(span, nil)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.shutdown()
		return Resolved{}, fmt.Errorf("%w: %s: middleman closed", ErrResolutionFailed, ep)
	}
	if existing := m.conns[ep]; existing != nil && !existing.isClosed() {
		m.mu.Unlock()
		c.shutdown()
		return existing.resolved(), nil
	}
	m.conns[ep] = c
	n := len(m.conns)
	m.mu.Unlock()
	m.setConnections(n)

	go c.recvLoop()
	m.logger.Info("connected to peer", "endpoint", ep.String(), "peer", c.node, "agent", c.agentID())
	return c.resolved(), nil
}

func (m *Middleman) dial(ctx context.Context, ep Endpoint) (*peerConn, error) {
	opts, err := m.buildDialOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to build dial options: %w", err)
	}
	cc, err := grpc.NewClient(ep.String(), opts...)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	client := pb.NewNodeClient(cc)
	hello, err := pb.NewHello(m.sys.nodeID)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	reply, err := client.Handshake(hctx, hello)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	welcome, err := pb.ParseWelcome(reply)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}

	sctx, scancel := context.WithCancel(context.Background())
	stream, err := client.Exchange(sctx)
	if err != nil {
		scancel()
		_ = cc.Close()
		return nil, err
	}

	return newPeerConn(m, ep, cc, stream, scancel, welcome), nil
}

// buildDialOptions creates gRPC dial options from the TLS and keepalive settings.
func (m *Middleman) buildDialOptions() ([]grpc.DialOption, error) {
	creds, err := m.tlsConfig.transportCredentials(m.logger)
	if err != nil {
		return nil, err
	}
	return []grpc.DialOption{
		creds,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(pb.CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                m.keepaliveTime,
			Timeout:             m.keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}, nil
}

// forget evicts c from the connection cache if it is still the cached one.
func (m *Middleman) forget(c *peerConn) {
	m.mu.Lock()
	if m.conns[c.endpoint] == c {
		delete(m.conns, c.endpoint)
	}
	n := len(m.conns)
	m.mu.Unlock()
	m.setConnections(n)
}

// Connections returns the number of live outbound connections.
func (m *Middleman) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Handle returns the resolver agent. It answers Resolve with Resolved, or
// with an error wrapping ErrResolutionFailed. Dialing happens off the
// resolver's goroutine so concurrent resolutions do not queue behind each other.
func (m *Middleman) Handle() Handle {
	m.resolverOnce.Do(func() {
		m.resolver = m.sys.Spawn(func(ctx *Context) Behavior {
			return NewBehavior(
				On(func(ctx *Context, req Resolve) {
					promise := ctx.Promise()
					go func() {
						res, err := m.Remote(context.Background(), req.Host, req.Port)
						if err != nil {
							promise.Fail(err)
							return
						}
						promise.Deliver(res)
					}()
				}),
			)
		})
	})
	return m.resolver
}

// Close stops every publication and connection.
func (m *Middleman) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pubs := make([]*publication, 0, len(m.published))
	for _, p := range m.published {
		pubs = append(pubs, p)
	}
	m.published = make(map[int]*publication)
	conns := make([]*peerConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pubs {
		g.Go(func() error {
			p.stop()
			return nil
		})
	}
	for _, c := range conns {
		g.Go(func() error {
			c.fail(fmt.Errorf("%w: middleman closed", ErrPeerUnreachable))
			return nil
		})
	}
	err := g.Wait()

	if m.resolver != nil {
		m.sys.Stop(m.resolver)
	}
	m.setPublished(0)
	m.logger.Info("middleman closed", "publications", len(pubs), "connections", len(conns))
	return err
}

func (m *Middleman) setConnections(n int) {
	if m.sys.config.EnableMetrics {
		metrics.SetActiveConnections(n)
	}
}

func (m *Middleman) setPublished(n int) {
	if m.sys.config.EnableMetrics {
		metrics.SetPublishedEndpoints(n)
	}
}

func (m *Middleman) recordFrame(direction string, kind pb.FrameKind) {
	if m.sys.config.EnableMetrics {
		metrics.RecordFrame(direction, kind.String())
	}
}
