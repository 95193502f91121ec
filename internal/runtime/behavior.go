package runtime

// Handler is one entry of a Behavior. Build handlers with On and OnRequest.
type Handler interface {
	apply(ctx *Context, msg any) (reply any, matched bool, err error)
}

type handlerFunc func(ctx *Context, msg any) (any, bool, error)

func (f handlerFunc) apply(ctx *Context, msg any) (any, bool, error) {
	return f(ctx, msg)
}

// On handles messages of type T. When T arrives as a request the sender
// receives an empty reply unless the handler took a Promise.
func On[T any](fn func(ctx *Context, msg T)) Handler {
	return handlerFunc(func(ctx *Context, msg any) (any, bool, error) {
		m, ok := msg.(T)
		if !ok {
			return nil, false, nil
		}
		fn(ctx, m)
		return nil, true, nil
	})
}

// OnRequest handles messages of type T and answers the sender with the result.
// A non-nil error is delivered to the requester instead of the value.
func OnRequest[T, R any](fn func(ctx *Context, msg T) (R, error)) Handler {
	return handlerFunc(func(ctx *Context, msg any) (any, bool, error) {
		m, ok := msg.(T)
		if !ok {
			return nil, false, nil
		}
		r, err := fn(ctx, m)
		if err != nil {
			return nil, true, err
		}
		return r, true, nil
	})
}

// Behavior is an ordered set of handlers; the first handler whose type matches wins.
type Behavior struct {
	handlers []Handler
}

// NewBehavior builds a Behavior from handlers.
func NewBehavior(handlers ...Handler) Behavior {
	return Behavior{handlers: handlers}
}

// Or returns a Behavior that tries b's handlers first, then other's.
func (b Behavior) Or(other Behavior) Behavior {
	hs := make([]Handler, 0, len(b.handlers)+len(other.handlers))
	hs = append(hs, b.handlers...)
	hs = append(hs, other.handlers...)
	return Behavior{handlers: hs}
}

func (b Behavior) apply(ctx *Context, msg any) (any, bool, error) {
	for _, h := range b.handlers {
		if reply, matched, err := h.apply(ctx, msg); matched {
			return reply, true, err
		}
	}
	return nil, false, nil
}
