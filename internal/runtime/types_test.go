package runtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/aixgo-dev/remoting/proto"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestTypeRegistry_EncodeDecode(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, RegisterType[point](r, "test.point"))

	tests := []struct {
		name string
		in   any
	}{
		{name: "struct", in: point{X: 1, Y: -2}},
		{name: "int", in: 42},
		{name: "string", in: "hello"},
		{name: "bool", in: true},
		{name: "nil", in: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Encode(tt.in)
			require.NoError(t, err)
			got, err := r.Decode(p)
			require.NoError(t, err)
			assert.Equal(t, tt.in, got)
		})
	}
}

func TestTypeRegistry_Errors(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, RegisterType[point](r, "test.point"))
	require.NoError(t, RegisterType[point](r, "test.point"), "same binding twice is fine")

	assert.Error(t, RegisterType[point](r, "test.other"))
	assert.Error(t, RegisterType[float32](r, "test.point"))

	_, err := r.Encode(struct{}{})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Decode(&pb.Payload{Type: "test.missing"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Decode(&pb.Payload{Type: "test.point", Data: []byte("{")})
	assert.Error(t, err)

	assert.Contains(t, r.Names(), "test.point")
}

func TestErrorInfo_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "timeout", err: ErrRequestTimeout, want: ErrRequestTimeout},
		{name: "unreachable", err: ErrPeerUnreachable, want: ErrPeerUnreachable},
		{name: "unexpected", err: ErrUnexpectedMessage, want: ErrUnexpectedMessage},
		{name: "unknown type", err: ErrUnknownType, want: ErrUnexpectedMessage},
		{name: "gone", err: ErrAgentGone, want: ErrAgentGone},
		{name: "rejected", err: ErrRejected, want: ErrRejected},
		{name: "normal exit", err: ExitNormal, want: ExitNormal},
		{name: "shutdown", err: ExitUserShutdown, want: ExitUserShutdown},
		{name: "panic", err: fmt.Errorf("%w: boom", ExitPanic), want: ExitPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromErrorInfo(toErrorInfo(tt.err))
			assert.ErrorIs(t, got, tt.want)
		})
	}

	t.Run("handler error", func(t *testing.T) {
		got := fromErrorInfo(toErrorInfo(errors.New("division by zero")))
		var remote *RemoteError
		require.ErrorAs(t, got, &remote)
		assert.Equal(t, pb.CodeHandlerError, remote.Code)
		assert.Equal(t, "division by zero", remote.Message)
	})
}
