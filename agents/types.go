package agents

import (
	"fmt"
	"net"
	"strconv"
)

// Add asks a calculator for A + B.
type Add struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Sub asks a calculator for A - B.
type Sub struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Connect tells a client to (re)connect to the calculator published at Host:Port.
type Connect struct {
	Host string
	Port int
}

func (c Connect) String() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StateQuery is answered by a client with its current ConnectionState.
type StateQuery struct{}

// ConnectionState is the phase of a client's connection to its server.
type ConnectionState int

const (
	Unconnected ConnectionState = iota
	Connecting
	Running
)

func (s ConnectionState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Op is an arithmetic operation.
type Op int

const (
	OpAdd Op = iota + 1
	OpSub
)

// Symbol returns the operator as typed at the prompt.
func (o Op) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	default:
		return "?"
	}
}

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	default:
		return "unknown"
	}
}

// Task is one arithmetic operation waiting for, or travelling to, a server.
type Task struct {
	Op   Op
	A, B int
}

func taskOf(msg any) (Task, bool) {
	switch m := msg.(type) {
	case Add:
		return Task{Op: OpAdd, A: m.A, B: m.B}, true
	case Sub:
		return Task{Op: OpSub, A: m.A, B: m.B}, true
	default:
		return Task{}, false
	}
}

// Message returns the request a server understands for t.
func (t Task) Message() any {
	if t.Op == OpSub {
		return Sub{A: t.A, B: t.B}
	}
	return Add{A: t.A, B: t.B}
}

func (t Task) String() string {
	return fmt.Sprintf("%d %s %d", t.A, t.Op.Symbol(), t.B)
}

// EventKind classifies client events.
type EventKind int

const (
	EventQueued EventKind = iota + 1
	EventDispatched
	EventResult
	EventRetry
	EventState
	EventConnectFailed
	EventStaleDown
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventDispatched:
		return "dispatched"
	case EventResult:
		return "result"
	case EventRetry:
		return "retry"
	case EventState:
		return "state"
	case EventConnectFailed:
		return "connect_failed"
	case EventStaleDown:
		return "stale_down"
	default:
		return "unknown"
	}
}

// Event reports what a client did. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Task   Task
	Result int
	State  ConnectionState
	Err    error
}
