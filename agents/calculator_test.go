package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/remoting/internal/runtime"
)

func TestCalculator(t *testing.T) {
	sys := newSystem(t)
	calc := sys.Spawn(Calculator)

	tests := []struct {
		name string
		msg  any
		want int
	}{
		{name: "add", msg: Add{A: 3, B: 4}, want: 7},
		{name: "add negative", msg: Add{A: -3, B: 1}, want: -2},
		{name: "sub", msg: Sub{A: 3, B: 4}, want: -1},
		{name: "sub zero", msg: Sub{A: 9, B: 0}, want: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sys.Ask(context.Background(), calc, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := sys.Ask(context.Background(), calc, "3 * 4")
	assert.ErrorIs(t, err, runtime.ErrUnexpectedMessage)
}

func TestRegisterTypes(t *testing.T) {
	r := runtime.NewTypeRegistry()
	require.NoError(t, RegisterTypes(r))
	require.NoError(t, RegisterTypes(r))
	assert.Subset(t, r.Names(), []string{"calc.Add", "calc.Sub"})

	p, err := r.Encode(Sub{A: 1, B: 2})
	require.NoError(t, err)
	v, err := r.Decode(p)
	require.NoError(t, err)
	assert.Equal(t, Sub{A: 1, B: 2}, v)
}

func TestTask(t *testing.T) {
	add, ok := taskOf(Add{A: 3, B: 4})
	require.True(t, ok)
	assert.Equal(t, "3 + 4", add.String())
	assert.Equal(t, Add{A: 3, B: 4}, add.Message())

	sub, ok := taskOf(Sub{A: 3, B: -4})
	require.True(t, ok)
	assert.Equal(t, "3 - -4", sub.String())
	assert.Equal(t, Sub{A: 3, B: -4}, sub.Message())

	_, ok = taskOf(Connect{})
	assert.False(t, ok)

	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "localhost:4242", Connect{Host: "localhost", Port: 4242}.String())
}
