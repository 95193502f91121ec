package agents

import (
	"errors"

	"github.com/aixgo-dev/remoting/internal/runtime"
)

// Interfaces a calculator announces when published.
const (
	InterfaceAdd = "calc.add"
	InterfaceSub = "calc.sub"
)

// Interfaces is the full set a client requires from its server.
var Interfaces = []string{InterfaceAdd, InterfaceSub}

// Calculator is the stateless worker behavior: it answers Add and Sub.
func Calculator(ctx *runtime.Context) runtime.Behavior {
	logger := ctx.Logger().With("component", "calculator")
	return runtime.NewBehavior(
		runtime.OnRequest(func(ctx *runtime.Context, m Add) (int, error) {
			logger.Debug("add", "a", m.A, "b", m.B)
			return m.A + m.B, nil
		}),
		runtime.OnRequest(func(ctx *runtime.Context, m Sub) (int, error) {
			logger.Debug("sub", "a", m.A, "b", m.B)
			return m.A - m.B, nil
		}),
	)
}

// RegisterTypes binds the calculator messages to their wire names.
func RegisterTypes(r *runtime.TypeRegistry) error {
	return errors.Join(
		runtime.RegisterType[Add](r, "calc.Add"),
		runtime.RegisterType[Sub](r, "calc.Sub"),
	)
}
