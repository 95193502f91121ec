package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	pb "github.com/aixgo-dev/remoting/proto"
)

// TypeRegistry maps wire names to Go types so payloads can cross node boundaries.
// Both ends of a connection must register the same names.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeRegistry returns a registry preloaded with the basic scalar types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	mustRegister[int](r, "int")
	mustRegister[int64](r, "int64")
	mustRegister[uint64](r, "uint64")
	mustRegister[float64](r, "float64")
	mustRegister[string](r, "string")
	mustRegister[bool](r, "bool")
	return r
}

// RegisterType binds name to T. Registering the same pair twice is a no-op.
func RegisterType[T any](r *TypeRegistry, name string) error {
	t := reflect.TypeFor[T]()
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %q already bound to %s", name, existing)
	}
	if existing, ok := r.byType[t]; ok {
		return fmt.Errorf("type %s already registered as %q", t, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

func mustRegister[T any](r *TypeRegistry, name string) {
	if err := RegisterType[T](r, name); err != nil {
		panic(err)
	}
}

// Names returns the registered wire names.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Encode converts a message into its wire payload. A nil message encodes to nil.
func (r *TypeRegistry) Encode(v any) (*pb.Payload, error) {
	if v == nil {
		return nil, nil
	}
	r.mu.RLock()
	name, ok := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return &pb.Payload{Type: name, Data: data}, nil
}

// Decode converts a wire payload back into a message value.
func (r *TypeRegistry) Decode(p *pb.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	r.mu.RLock()
	t, ok := r.byName[p.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}

	ptr := reflect.New(t)
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.Type, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// toErrorInfo maps a local error onto its wire form.
func toErrorInfo(err error) *pb.ErrorInfo {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return &pb.ErrorInfo{Code: remote.Code, Message: remote.Message}
	case errors.Is(err, ErrRequestTimeout):
		return &pb.ErrorInfo{Code: pb.CodeTimeout, Message: err.Error()}
	case errors.Is(err, ErrPeerUnreachable):
		return &pb.ErrorInfo{Code: pb.CodeUnreachable, Message: err.Error()}
	case errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrUnknownType):
		return &pb.ErrorInfo{Code: pb.CodeUnexpected, Message: err.Error()}
	case errors.Is(err, ErrAgentGone):
		return &pb.ErrorInfo{Code: pb.CodeAgentGone, Message: err.Error()}
	case errors.Is(err, ErrRejected):
		return &pb.ErrorInfo{Code: pb.CodeRejected, Message: err.Error()}
	case errors.Is(err, ExitNormal):
		return &pb.ErrorInfo{Code: pb.CodeExitNormal}
	case errors.Is(err, ExitUserShutdown):
		return &pb.ErrorInfo{Code: pb.CodeExitShutdown}
	case errors.Is(err, ExitPanic):
		return &pb.ErrorInfo{Code: pb.CodeExitPanic, Message: err.Error()}
	default:
		return &pb.ErrorInfo{Code: pb.CodeHandlerError, Message: err.Error()}
	}
}

// fromErrorInfo maps a wire error back onto the local taxonomy.
func fromErrorInfo(info *pb.ErrorInfo) error {
	var base error
	switch info.Code {
	case pb.CodeTimeout:
		base = ErrRequestTimeout
	case pb.CodeUnreachable:
		base = ErrPeerUnreachable
	case pb.CodeUnexpected:
		base = ErrUnexpectedMessage
	case pb.CodeAgentGone:
		base = ErrAgentGone
	case pb.CodeRejected:
		base = ErrRejected
	case pb.CodeExitNormal:
		base = ExitNormal
	case pb.CodeExitShutdown:
		base = ExitUserShutdown
	case pb.CodeExitPanic:
		base = ExitPanic
	default:
		return &RemoteError{Code: info.Code, Message: info.Message}
	}
	if info.Message == "" {
		return base
	}
	return fmt.Errorf("%w: remote: %s", base, info.Message)
}
