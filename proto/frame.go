package proto

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

// FrameKind distinguishes the frames carried on an Exchange stream
type FrameKind uint8

const (
	// FrameMessage is a one-way message to Dest
	FrameMessage FrameKind = iota + 1
	// FrameRequest expects exactly one FrameResponse with the same ReqID
	FrameRequest
	// FrameResponse answers a FrameRequest
	FrameResponse
	// FrameDown announces that the published agent Dest terminated; Error
	// carries the exit reason
	FrameDown
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameDown:
		return "down"
	default:
		return "unknown"
	}
}

// Frame is the unit of the Exchange stream
type Frame struct {
	Kind    FrameKind  `json:"kind"`
	ReqID   uint64     `json:"req_id,omitempty"`
	Dest    uint64     `json:"dest,omitempty"`
	Payload *Payload   `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Payload is a registered message type name plus its JSON encoding
type Payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Error codes carried in ErrorInfo
const (
	CodeTimeout      = "timeout"
	CodeUnreachable  = "unreachable"
	CodeUnexpected   = "unexpected_message"
	CodeAgentGone    = "agent_gone"
	CodeRejected     = "rejected"
	CodeHandlerError = "handler_error"

	CodeExitNormal   = "exit_normal"
	CodeExitShutdown = "exit_shutdown"
	CodeExitPanic    = "exit_panic"
)

// ErrorInfo is the wire form of a failed response
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Welcome is the server's answer to a handshake
type Welcome struct {
	Node       string
	Agent      uint64
	Interfaces []string
}

// NewHello builds the handshake sent by the dialing node.
func NewHello(node string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"node": node})
}

// HelloNode extracts the dialing node's id from a handshake.
func HelloNode(s *structpb.Struct) string {
	return s.GetFields()["node"].GetStringValue()
}

// NewWelcome builds the handshake answer. Agent ids travel as strings since
// structpb numbers are doubles.
func NewWelcome(w Welcome) (*structpb.Struct, error) {
	ifs := make([]any, 0, len(w.Interfaces))
	for _, name := range w.Interfaces {
		ifs = append(ifs, name)
	}
	return structpb.NewStruct(map[string]any{
		"node":       w.Node,
		"agent":      strconv.FormatUint(w.Agent, 10),
		"interfaces": ifs,
	})
}

// ParseWelcome decodes a handshake answer.
func ParseWelcome(s *structpb.Struct) (Welcome, error) {
	fields := s.GetFields()
	w := Welcome{Node: fields["node"].GetStringValue()}
	if raw := fields["agent"].GetStringValue(); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Welcome{}, fmt.Errorf("invalid agent id %q: %w", raw, err)
		}
		w.Agent = id
	}
	for _, v := range fields["interfaces"].GetListValue().GetValues() {
		w.Interfaces = append(w.Interfaces, v.GetStringValue())
	}
	return w, nil
}
