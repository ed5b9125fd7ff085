package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type senderKey struct{}
type studentKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSender attaches the originating agent id to the context.
func WithSender(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, senderKey{}, agentID)
}

// Sender extracts the originating agent id from context. Returns "" if absent.
func Sender(ctx context.Context) string {
	if v, ok := ctx.Value(senderKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStudentID attaches a student id to the context.
func WithStudentID(ctx context.Context, studentID string) context.Context {
	return context.WithValue(ctx, studentKey{}, studentID)
}

// StudentID extracts the student id from context. Returns "" if absent.
func StudentID(ctx context.Context) string {
	if v, ok := ctx.Value(studentKey{}).(string); ok {
		return v
	}
	return ""
}
