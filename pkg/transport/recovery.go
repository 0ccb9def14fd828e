package transport

import (
	"context"
	"fmt"

	"github.com/rhuss/kapsel/pkg/api"
)

// Recovery returns middleware that catches panics in the executor and
// converts them to server errors. The server continues to accept new
// requests after a panic is recovered.
func Recovery() Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req api.ExecuteRequest) (events <-chan api.Event, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					events = nil
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.Execute(ctx, req)
		})
	}
}
