package logging

import "context"

type contextKey string

const ctxKeyRunID contextKey = "run_id"

// WithRunID tags ctx with the ID of the pipeline run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// RunID extracts the run ID from ctx, or "" when there is none.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRunID).(string); ok {
		return v
	}
	return ""
}
