package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrResolutionFailed is returned when no agent could be resolved at an endpoint
	ErrResolutionFailed = errors.New("resolution failed")

	// ErrIncompatiblePeer is returned when a resolved agent lacks a required interface
	ErrIncompatiblePeer = errors.New("incompatible peer")

	// ErrRequestTimeout is returned when a request's deadline elapses before its reply
	ErrRequestTimeout = errors.New("request timeout")

	// ErrPeerUnreachable is returned when the connection carrying a request is lost
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPublishFailed is returned when an agent cannot be bound to a port
	ErrPublishFailed = errors.New("publish failed")

	// ErrUnexpectedMessage is returned when the destination has no handler for a request
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrAgentGone is returned when the destination agent has terminated
	ErrAgentGone = errors.New("agent gone")

	// ErrRejected is returned when the destination node refuses a request under load
	ErrRejected = errors.New("request rejected")

	// ErrUnknownType is returned when a payload type is not registered for the wire
	ErrUnknownType = errors.New("unknown message type")
)

// Exit reasons carried by Down notifications.
var (
	ExitNormal       = errors.New("normal exit")
	ExitUserShutdown = errors.New("user shutdown")
	ExitPanic        = errors.New("agent panicked")
)

// RemoteError is a handler error returned by an agent on another node.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

// RuntimeConfig contains configuration options for creating a System
type RuntimeConfig struct {
	// NodeID identifies this process to its peers
	// Default: random UUID
	NodeID string

	// DefaultTimeout applies to Ask when the caller's context has no deadline (0 = none)
	// Default: 0
	DefaultTimeout time.Duration

	// EnableMetrics enables runtime metrics collection
	// Default: true
	EnableMetrics bool

	// Logger receives runtime diagnostics
	// Default: slog.Default()
	Logger *slog.Logger

	// Types maps wire names to message types for remote delivery
	// Default: NewTypeRegistry()
	Types *TypeRegistry
}

// DefaultConfig returns a RuntimeConfig with sensible defaults
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		NodeID:        uuid.NewString(),
		EnableMetrics: true,
		Logger:        slog.Default(),
	}
}

// Option is a functional option for configuring a System
type Option func(*RuntimeConfig)

// WithNodeID sets the node identity announced to peers
func WithNodeID(id string) Option {
	return func(cfg *RuntimeConfig) {
		cfg.NodeID = id
	}
}

// WithDefaultTimeout sets the Ask timeout used when the context has no deadline
func WithDefaultTimeout(d time.Duration) Option {
	return func(cfg *RuntimeConfig) {
		cfg.DefaultTimeout = d
	}
}

// WithMetrics enables or disables metrics collection
func WithMetrics(enabled bool) Option {
	return func(cfg *RuntimeConfig) {
		cfg.EnableMetrics = enabled
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *RuntimeConfig) {
		cfg.Logger = logger
	}
}

// WithTypes sets the wire type registry
func WithTypes(types *TypeRegistry) Option {
	return func(cfg *RuntimeConfig) {
		cfg.Types = types
	}
}
