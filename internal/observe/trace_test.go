package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()
	tp, _ := newTestTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "call")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not a 32-digit hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

// Not parallel: swaps the global tracer provider.
func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "turn")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not start a recording span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "turn" {
		t.Errorf("spans = %v, want one span named turn", spans)
	}
}

func TestLogger(t *testing.T) {
	t.Parallel()
	tp, _ := newTestTracerProvider(t)
	spanCtx, span := tp.Tracer("test").Start(context.Background(), "call")
	t.Cleanup(func() { span.End() })

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace bool
	}{
		{"active span", spanCtx, true},
		{"no span", context.Background(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("call_id", "CA1")

			Logger(tt.ctx, base).Info("call started")

			out := buf.String()
			if !strings.Contains(out, "call_id=CA1") {
				t.Errorf("base attributes lost: %s", out)
			}
			for _, key := range []string{"trace_id=", "span_id="} {
				if got := strings.Contains(out, key); got != tt.wantTrace {
					t.Errorf("contains %s = %v, want %v: %s", key, got, tt.wantTrace, out)
				}
			}
		})
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	t.Parallel()
	if Logger(context.Background(), nil) != slog.Default() {
		t.Error("Logger(ctx, nil) without a span should return slog.Default()")
	}
}
