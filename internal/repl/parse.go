// Package repl implements the interactive calculator prompt.
package repl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUsage marks input that is not a valid command.
var ErrUsage = errors.New("invalid input")

// Usage lists the commands understood by Parse.
const Usage = `Usage:
  quit                  : terminates the program
  connect <host> <port> : connects to a remote actor
  lookup <name>         : connects to the server advertised as <name>
  <x> + <y>             : adds two integers
  <x> - <y>             : subtracts two integers
  help                  : prints this text
`

// Command is a parsed input line.
type Command interface {
	command()
}

type ConnectCmd struct {
	Host string
	Port int
}

type LookupCmd struct {
	Name string
}

type AddCmd struct {
	A, B int
}

type SubCmd struct {
	A, B int
}

type QuitCmd struct{}

type HelpCmd struct{}

func (ConnectCmd) command() {}
func (LookupCmd) command()  {}
func (AddCmd) command()     {}
func (SubCmd) command()     {}
func (QuitCmd) command()    {}
func (HelpCmd) command()    {}

// Parse turns one input line into a Command. Blank lines yield a nil
// Command and no error.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	switch fields[0] {
	case "quit":
		if len(fields) == 1 {
			return QuitCmd{}, nil
		}
	case "help":
		if len(fields) == 1 {
			return HelpCmd{}, nil
		}
	case "connect":
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: connect expects <host> <port>", ErrUsage)
		}
		port, err := parsePort(fields[2])
		if err != nil {
			return nil, err
		}
		return ConnectCmd{Host: fields[1], Port: port}, nil
	case "lookup":
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: lookup expects <name>", ErrUsage)
		}
		return LookupCmd{Name: fields[1]}, nil
	}

	if len(fields) == 3 && (fields[1] == "+" || fields[1] == "-") {
		a, err := parseOperand(fields[0])
		if err != nil {
			return nil, err
		}
		b, err := parseOperand(fields[2])
		if err != nil {
			return nil, err
		}
		if fields[1] == "+" {
			return AddCmd{A: a, B: b}, nil
		}
		return SubCmd{A: a, B: b}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUsage, strings.Join(fields, " "))
}

func parsePort(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned integer", ErrUsage, s)
	}
	if n > 65535 {
		return 0, fmt.Errorf("%w: %q > 65535", ErrUsage, s)
	}
	return int(n), nil
}

func parseOperand(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrUsage, s)
	}
	return n, nil
}
