package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/kapsel/pkg/api"
)

// Logging returns middleware that emits a structured log entry when an
// execution is accepted or rejected. The entry includes the request ID,
// execution ID, user, and how long admission took.
//
// Completion is logged by the orchestrator, which knows the outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error) {
			start := time.Now()

			events, err := next.Execute(ctx, req)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("execution_id", req.ID),
				slog.String("user_id", req.UserID),
				slog.Int("attachments", len(req.Attachments)),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "execution rejected", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "execution accepted", attrs...)
			}

			return events, err
		})
	}
}
