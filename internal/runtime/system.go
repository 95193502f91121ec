package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/aixgo-dev/remoting/pkg/observability"
)

// System hosts agents: it assigns ids, owns the correlation counter, and
// tracks live agents so they can be stopped together.
type System struct {
	config *RuntimeConfig
	logger *slog.Logger
	types  *TypeRegistry
	nodeID string

	nextAgent atomic.Uint64
	nextReq   atomic.Uint64
	stopping  atomic.Bool

	mu     sync.RWMutex
	agents map[AgentID]*process
}

// New creates a System with the given options
func New(opts ...Option) *System {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Types == nil {
		cfg.Types = NewTypeRegistry()
	}

	return &System{
		config: cfg,
		logger: cfg.Logger.With("component", "runtime", "node", cfg.NodeID),
		types:  cfg.Types,
		nodeID: cfg.NodeID,
		agents: make(map[AgentID]*process),
	}
}

// NodeID returns the identity announced to peers.
func (s *System) NodeID() string {
	return s.nodeID
}

// Types returns the wire type registry.
func (s *System) Types() *TypeRegistry {
	return s.types
}

// Logger returns the system logger.
func (s *System) Logger() *slog.Logger {
	return s.logger
}

// MetricsEnabled reports whether Prometheus metrics are recorded.
func (s *System) MetricsEnabled() bool {
	return s.config.EnableMetrics
}

// Spawn starts an agent. init runs on the agent's goroutine before any
// message and returns the initial behavior. Spawn returns nil once the
// system is shutting down.
func (s *System) Spawn(init func(*Context) Behavior) Handle {
	if s.stopping.Load() {
		return nil
	}
	p := newProcess(s, AgentID(s.nextAgent.Add(1)))

	s.mu.Lock()
	s.agents[p.id] = p
	n := len(s.agents)
	s.mu.Unlock()
	s.setAgentsAlive(n)

	go p.run(init)
	return p.self
}

func (s *System) remove(p *process) {
	s.mu.Lock()
	delete(s.agents, p.id)
	n := len(s.agents)
	s.mu.Unlock()
	s.setAgentsAlive(n)
}

// Lookup returns the handle of a live local agent.
func (s *System) Lookup(id AgentID) Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.agents[id]; ok {
		return p.self
	}
	return nil
}

// Count returns the number of live agents.
func (s *System) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Send delivers msg to target anonymously.
func (s *System) Send(target Handle, msg any) error {
	if target == nil {
		return fmt.Errorf("%w: nil handle", ErrAgentGone)
	}
	return target.enqueue(&envelope{kind: kindMessage, payload: msg})
}

// Stop terminates a local agent with ExitUserShutdown. Messages still queued
// are not handled; queued requests are answered with ErrAgentGone.
func (s *System) Stop(target Handle) {
	s.StopWithReason(target, ExitUserShutdown)
}

// StopWithReason terminates a local agent; monitors observe reason.
func (s *System) StopWithReason(target Handle, reason error) {
	if lh, ok := target.(*localHandle); ok {
		lh.proc.stop(reason)
	}
}

// Wait blocks until the local agent behind target has terminated.
func (s *System) Wait(ctx context.Context, target Handle) error {
	lh, ok := target.(*localHandle)
	if !ok {
		return nil
	}
	select {
	case <-lh.proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ask sends a request from outside any agent and blocks for the reply. When
// ctx has no deadline the configured default timeout applies.
func (s *System) Ask(ctx context.Context, target Handle, msg any) (any, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrAgentGone)
	}
	if _, ok := ctx.Deadline(); !ok && s.config.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.DefaultTimeout)
		defer cancel()
	}

	started := time.Now()
	sink := newReplySink(s.nodeID)
	id := s.nextRequestID()
	if err := target.enqueue(&envelope{kind: kindRequest, sender: sink, reqID: id, payload: msg}); err != nil {
		s.recordRequest(outcomeOf(err), time.Since(started))
		return nil, err
	}

	select {
	case env := <-sink.ch:
		s.recordRequest(outcomeOf(env.err), time.Since(started))
		return env.payload, env.err
	case <-ctx.Done():
		releaseRoute(target, id)
		err := fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
		s.recordRequest(outcomeOf(err), time.Since(started))
		return nil, err
	}
}

// Shutdown stops every agent and waits for them to terminate.
func (s *System) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)

	s.mu.RLock()
	procs := make([]*process, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	for _, p := range procs {
		p.stop(ExitUserShutdown)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	return nil
}

func (s *System) nextRequestID() uint64 {
	return s.nextReq.Add(1)
}

func (s *System) recordRequest(outcome string, d time.Duration) {
	if s.config.EnableMetrics {
		metrics.RecordRequest(outcome, d)
	}
}

func (s *System) recordDown() {
	if s.config.EnableMetrics {
		metrics.RecordDownNotification()
	}
}

func (s *System) setAgentsAlive(n int) {
	if s.config.EnableMetrics {
		metrics.SetAgentsAlive(n)
	}
}
