package transport

// Middleware decorates an Executor. Middleware sees the request before the
// orchestrator does and the admission result afterwards; it does not see
// the event stream.
type Middleware func(Executor) Executor

// Chain folds middlewares into one. The first argument ends up outermost:
// Chain(a, b)(x) behaves like a(b(x)).
func Chain(middlewares ...Middleware) Middleware {
	return func(exec Executor) Executor {
		for i := range middlewares {
			exec = middlewares[len(middlewares)-1-i](exec)
		}
		return exec
	}
}
