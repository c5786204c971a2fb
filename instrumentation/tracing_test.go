package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func newTestSpan(t *testing.T) trace.Span {
	t.Helper()
	inst, err := New(Config{
		Enabled:        true,
		ServiceName:    "tracing-test",
		ServiceVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	_, span := inst.Tracer("gateway").Start(context.Background(), "test-span")
	t.Cleanup(func() { span.End() })
	return span
}

func TestRecordError(t *testing.T) {
	span := newTestSpan(t)

	RecordError(span, errors.New("test error"))

	// Nil-safe variants should not panic
	RecordError(nil, errors.New("test error"))
	RecordError(span, nil)
	RecordError(nil, nil)
}

func TestSetSpanStatus(t *testing.T) {
	span := newTestSpan(t)

	SetSpanSuccess(span)
	SetSpanError(span, "something failed")

	// Nil-safe
	SetSpanSuccess(nil)
	SetSpanError(nil, "ignored")
}

func TestSetSpanAttributes(t *testing.T) {
	span := newTestSpan(t)

	SetSpanAttributes(span,
		attribute.String(AttrOperation, "tools.call"),
		attribute.String(AttrError, "rate_limit_exceeded"),
	)

	// Nil-safe
	SetSpanAttributes(nil, attribute.String(AttrOperation, "tools.call"))
}

func TestAddIdentityAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddIdentityAttributes(span, "user-123", "admin")

	// Empty values are skipped, not recorded
	AddIdentityAttributes(span, "", "")

	// Nil-safe
	AddIdentityAttributes(nil, "user-123", "admin")
}

func TestAddHTTPAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddHTTPAttributes(span, "GET", "/auth/callback", 200)
	AddHTTPAttributes(nil, "GET", "/auth/callback", 200)
}

func TestAddStorageAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddStorageAttributes(span, "consume_state", "memory")
	AddStorageAttributes(nil, "consume_state", "memory")
}
