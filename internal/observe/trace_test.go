package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracerProvider installs an in-memory tracer provider as the global one
// for the duration of the test.
func useTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureDefaultLogger routes slog.Default into a buffer for the test.
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestSessionID(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSession(context.Background(), "s-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracerProvider(t)

	ctx := WithSession(context.Background(), "s-42")
	_, span := StartSpan(ctx, "conversation.reply")
	span.End()
	_, plain := StartSpan(context.Background(), "untagged")
	plain.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "conversation.reply" {
		t.Errorf("name = %q", spans[0].Name)
	}
	want := attribute.String("session.id", "s-42")
	found := false
	for _, kv := range spans[0].Attributes {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes %v missing %v", spans[0].Attributes, want)
	}
	for _, kv := range spans[1].Attributes {
		if kv.Key == "session.id" {
			t.Errorf("untagged span has %v", kv)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	useTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "req")
	defer span.End()
	cid := CorrelationID(ctx)
	if cid != span.SpanContext().TraceID().String() || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want trace ID %s", cid, span.SpanContext().TraceID())
	}
}

func TestLogger(t *testing.T) {
	useTracerProvider(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		wantNot []string
	}{
		{
			name:    "plain",
			ctx:     context.Background,
			wantNot: []string{"session_id=", "trace_id="},
		},
		{
			name: "session only",
			ctx: func() context.Context {
				return WithSession(context.Background(), "abc")
			},
			want:    []string{"session_id=abc"},
			wantNot: []string{"trace_id="},
		},
		{
			name: "session and span",
			ctx: func() context.Context {
				ctx, span := StartSpan(WithSession(context.Background(), "abc"), "turn")
				t.Cleanup(func() { span.End() })
				return ctx
			},
			want: []string{"session_id=abc", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLogger(t)
			Logger(tt.ctx()).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
