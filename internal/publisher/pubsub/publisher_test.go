package pubsub

import (
	"context"
	"sort"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	p := New(nil)
	if _, err := p.Publish(context.Background(), "fetched", map[string]string{"k": "v"}); err == nil {
		t.Fatal("expected error without client")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDialRequiresProject(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty project id")
	}
}

func TestCarrierInjectsTraceContext(t *testing.T) {
	t.Parallel()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	propagation.TraceContext{}.Inject(ctx, carrier)

	if carrier.Get("traceparent") == "" {
		t.Fatalf("expected traceparent attribute, got %v", carrier.attrs)
	}
	keys := carrier.Keys()
	sort.Strings(keys)
	if len(keys) == 0 || keys[0] != "traceparent" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
