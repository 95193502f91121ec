package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"github.com/aixgo-dev/remoting/agents"
	"github.com/aixgo-dev/remoting/internal/runtime"
	"github.com/aixgo-dev/remoting/pkg/directory"
)

// Prompt is shown before every input line.
const Prompt = "> "

const stopTimeout = 5 * time.Second

// LineReader reads input lines. *liner.State implements it.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// Config configures a Session.
type Config struct {
	System *runtime.System
	// Client is the calculator client agent commands are sent to.
	Client runtime.Handle
	// Directory resolves lookup names. Optional.
	Directory directory.Directory
	Input     LineReader
	Output    io.Writer
	Logger    *slog.Logger
}

// Session forwards parsed commands to a calculator client agent.
type Session struct {
	sys    *runtime.System
	client runtime.Handle
	dir    directory.Directory
	in     LineReader
	out    io.Writer
	logger *slog.Logger
	warn   *color.Color
}

// NewSession creates a session.
func NewSession(cfg Config) *Session {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		sys:    cfg.System,
		client: cfg.Client,
		dir:    cfg.Directory,
		in:     cfg.Input,
		out:    out,
		logger: logger.With("component", "repl"),
		warn:   color.New(color.FgYellow),
	}
}

// Bootstrap connects to host:port when both are configured and prints a
// hint otherwise.
func (s *Session) Bootstrap(host string, port int) error {
	if host == "" || port <= 0 {
		s.warnf(`*** no server received via config, please use "connect <host> <port>" before using the calculator`)
		return nil
	}
	return s.sys.Send(s.client, agents.Connect{Host: host, Port: port})
}

// Run reads and executes lines until quit, end of input, or ctx is done,
// then stops the client agent.
func (s *Session) Run(ctx context.Context) error {
	defer s.stopClient(ctx)

	fmt.Fprint(s.out, Usage)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := s.in.Prompt(Prompt)
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(line) != "" {
			s.in.AppendHistory(line)
		}

		quit, err := s.Execute(ctx, line)
		if err != nil && !errors.Is(err, ErrUsage) {
			s.logger.Warn("command failed", "line", line, "error", err)
		}
		if quit {
			return nil
		}
	}
}

// Execute runs one line. Invalid input prints the usage and never reaches
// the client.
func (s *Session) Execute(ctx context.Context, line string) (quit bool, err error) {
	cmd, err := Parse(line)
	if err != nil {
		s.warnf("*** %v", err)
		fmt.Fprint(s.out, Usage)
		return false, err
	}

	switch c := cmd.(type) {
	case nil:
		return false, nil
	case QuitCmd:
		return true, nil
	case HelpCmd:
		fmt.Fprint(s.out, Usage)
		return false, nil
	case ConnectCmd:
		return false, s.sys.Send(s.client, agents.Connect{Host: c.Host, Port: c.Port})
	case AddCmd:
		return false, s.sys.Send(s.client, agents.Add{A: c.A, B: c.B})
	case SubCmd:
		return false, s.sys.Send(s.client, agents.Sub{A: c.A, B: c.B})
	case LookupCmd:
		return false, s.lookup(ctx, c.Name)
	default:
		return false, fmt.Errorf("unhandled command %T", cmd)
	}
}

func (s *Session) lookup(ctx context.Context, name string) error {
	if s.dir == nil {
		s.warnf("*** no directory configured, use connect <host> <port>")
		return nil
	}
	e, err := s.dir.Lookup(ctx, name)
	if errors.Is(err, directory.ErrNotFound) {
		s.warnf("*** no server advertised as %q", name)
		return nil
	}
	if err != nil {
		s.warnf("*** lookup %q failed: %v", name, err)
		return err
	}
	s.logger.Info("resolved name", "name", name, "addr", e.Addr())
	return s.sys.Send(s.client, agents.Connect{Host: e.Host, Port: e.Port})
}

func (s *Session) stopClient(ctx context.Context) {
	if s.client == nil {
		return
	}
	s.sys.Stop(s.client)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := s.sys.Wait(wctx, s.client); err != nil {
		s.logger.Warn("client did not stop", "error", err)
	}
}

func (s *Session) warnf(format string, args ...any) {
	_, _ = s.warn.Fprintf(s.out, format+"\n", args...)
}
