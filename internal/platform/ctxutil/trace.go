package ctxutil

import "context"

type traceDataKey struct{}

// TraceData carries request correlation through the pipeline and into
// outbound provider calls.
type TraceData struct {
	CorrelationID string
	Stage         string
	Attempt       int
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// WithStage returns ctx annotated with stage, keeping any correlation already present.
func WithStage(ctx context.Context, stage string) context.Context {
	td := TraceData{Stage: stage}
	if cur := GetTraceData(ctx); cur != nil {
		td.CorrelationID = cur.CorrelationID
		td.Attempt = cur.Attempt
	}
	return WithTraceData(ctx, &td)
}
