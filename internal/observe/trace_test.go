package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider for the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_CorrelationID(t *testing.T) {
	exp := useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "conversation.step")
	cid := CorrelationID(ctx)
	span.End()

	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want the span's trace ID", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "conversation.step" {
		t.Fatalf("spans = %+v, want one conversation.step", spans)
	}
	if scope := spans[0].InstrumentationScope.Name; scope != tracerName {
		t.Errorf("scope = %q, want %q", scope, tracerName)
	}

	// Sibling turns get their own traces.
	ctx2, span2 := StartSpan(context.Background(), "conversation.step")
	defer span2.End()
	if CorrelationID(ctx2) == cid {
		t.Error("two root spans share a trace ID")
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name         string
		conversation string
		span         bool
		wantKeys     []string
		absentKeys   []string
	}{
		{name: "plain", absentKeys: []string{"conversation_id", "trace_id", "span_id"}},
		{name: "conversation only", conversation: "c-7", wantKeys: []string{"conversation_id"}, absentKeys: []string{"trace_id"}},
		{name: "span only", span: true, wantKeys: []string{"trace_id", "span_id"}, absentKeys: []string{"conversation_id"}},
		{name: "both", conversation: "c-7", span: true, wantKeys: []string{"conversation_id", "trace_id", "span_id"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
			t.Cleanup(func() { slog.SetDefault(prev) })

			ctx := context.Background()
			if tc.conversation != "" {
				ctx = WithConversation(ctx, tc.conversation)
			}
			if tc.span {
				c, span := StartSpan(ctx, "turn")
				defer span.End()
				ctx = c
			}
			Logger(ctx).Info("voice line delivered")

			var rec map[string]any
			if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
				t.Fatalf("decode %q: %v", buf.String(), err)
			}
			for _, k := range tc.wantKeys {
				if _, ok := rec[k]; !ok {
					t.Errorf("record missing %q: %v", k, rec)
				}
			}
			for _, k := range tc.absentKeys {
				if _, ok := rec[k]; ok {
					t.Errorf("record has unexpected %q: %v", k, rec)
				}
			}
			if tc.conversation != "" && rec["conversation_id"] != tc.conversation {
				t.Errorf("conversation_id = %v, want %q", rec["conversation_id"], tc.conversation)
			}
		})
	}
}

func TestConversationID_RoundTrip(t *testing.T) {
	t.Parallel()

	if got := ConversationID(context.Background()); got != "" {
		t.Errorf("ConversationID on empty ctx = %q", got)
	}
	if got := ConversationID(WithConversation(context.Background(), "conv-42")); got != "conv-42" {
		t.Errorf("ConversationID = %q, want conv-42", got)
	}
}

func TestEnrich_KeepsBaseLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "conversation")

	if got := Enrich(context.Background(), base); got != base {
		t.Error("Enrich without context values should return the base logger")
	}

	Enrich(WithConversation(context.Background(), "c-9"), base).Info("turn finished")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["component"] != "conversation" || rec["conversation_id"] != "c-9" {
		t.Errorf("record = %v, want base and conversation attributes", rec)
	}
}
