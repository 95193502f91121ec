package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr string
	}{
		{name: "blank", line: "   ", want: nil},
		{name: "quit", line: "quit", want: QuitCmd{}},
		{name: "help", line: " help ", want: HelpCmd{}},
		{name: "connect", line: "connect localhost 4242", want: ConnectCmd{Host: "localhost", Port: 4242}},
		{name: "connect extra spaces", line: "  connect   10.0.0.1\t80 ", want: ConnectCmd{Host: "10.0.0.1", Port: 80}},
		{name: "connect max port", line: "connect h 65535", want: ConnectCmd{Host: "h", Port: 65535}},
		{name: "lookup", line: "lookup calc", want: LookupCmd{Name: "calc"}},
		{name: "add", line: "3 + 4", want: AddCmd{A: 3, B: 4}},
		{name: "sub", line: "3 - 4", want: SubCmd{A: 3, B: 4}},
		{name: "negative operands", line: "-3 - -4", want: SubCmd{A: -3, B: -4}},

		{name: "port not a number", line: "connect localhost x", wantErr: `"x" is not an unsigned integer`},
		{name: "negative port", line: "connect localhost -1", wantErr: `"-1" is not an unsigned integer`},
		{name: "port too large", line: "connect localhost 99999", wantErr: `"99999" > 65535`},
		{name: "connect missing port", line: "connect localhost", wantErr: "connect expects"},
		{name: "lookup missing name", line: "lookup", wantErr: "lookup expects"},
		{name: "operand", line: "3 + four", wantErr: `"four" is not an integer`},
		{name: "operator", line: "3 * 4", wantErr: `"3 * 4"`},
		{name: "quit with args", line: "quit now", wantErr: "invalid input"},
		{name: "unknown", line: "hello", wantErr: "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrUsage)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
