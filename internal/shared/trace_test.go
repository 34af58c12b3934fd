package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestRequestAndExtensionIDs(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || ExtensionID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}
	id := NewRequestID()
	ctx = WithExtensionID(WithRequestID(ctx, id), "word_counter")
	if RequestID(ctx) != id {
		t.Fatalf("request id did not round-trip")
	}
	if ExtensionID(ctx) != "word_counter" {
		t.Fatalf("extension id did not round-trip")
	}
	if NewRequestID() == id {
		t.Fatalf("expected unique request ids")
	}
}
