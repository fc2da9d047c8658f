package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

// Replayer pushes synthetic traces to an OTLP endpoint so they can be
// viewed in Tempo or any other OTLP-ingesting backend. Span identities are
// regenerated by the SDK; structure, timing, names and attributes are
// preserved, with one tracer provider per originating process so the
// resource carries the right service name.
type Replayer struct {
	cfg model.Export
	log *slog.Logger
}

func NewReplayer(cfg model.Export, log *slog.Logger) *Replayer {
	return &Replayer{cfg: cfg, log: log}
}

// Replay sends every given trace. Endpoints starting with http:// or
// https:// go over OTLP/HTTP; anything else is treated as a gRPC target.
func (r *Replayer) Replay(ctx context.Context, traces []*jaeger.Trace) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	exp, err := r.newExporter(ctx)
	if err != nil {
		return fmt.Errorf("creating OTLP exporter: %w", err)
	}

	providers := map[string]*sdktrace.TracerProvider{}
	defer func() {
		for _, tp := range providers {
			if err := tp.Shutdown(ctx); err != nil {
				r.log.Warn("tracer provider shutdown failed", "error", err)
			}
		}
	}()

	for _, t := range traces {
		if err := r.replayTrace(ctx, t, exp, providers); err != nil {
			return err
		}
		r.log.Info("trace replayed", "trace", t.TraceID, "spans", len(t.Spans))
	}
	return nil
}

func (r *Replayer) newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	e := r.cfg.Endpoint
	if strings.HasPrefix(e, "http://") || strings.HasPrefix(e, "https://") {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(e)}
		if r.cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(e)}
	if r.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// replayTrace re-creates the trace's span forest depth-first so that each
// child starts inside its parent's context and the causal links survive the
// identity regeneration.
func (r *Replayer) replayTrace(ctx context.Context, t *jaeger.Trace, exp sdktrace.SpanExporter, providers map[string]*sdktrace.TracerProvider) error {
	byID := make(map[string]*jaeger.Span, len(t.Spans))
	children := map[string][]*jaeger.Span{}
	var roots []*jaeger.Span
	for _, s := range t.Spans {
		byID[s.SpanID] = s
	}
	for _, s := range t.Spans {
		parent := firstChildOf(s)
		if parent == "" || byID[parent] == nil {
			roots = append(roots, s)
			continue
		}
		children[parent] = append(children[parent], s)
	}

	var emit func(ctx context.Context, s *jaeger.Span) error
	emit = func(ctx context.Context, s *jaeger.Span) error {
		tracer, err := r.tracer(t, s.ProcessID, exp, providers)
		if err != nil {
			return err
		}
		spanCtx, span := tracer.Start(ctx, s.OperationName,
			trace.WithTimestamp(time.UnixMicro(s.StartTime)),
			trace.WithAttributes(spanAttributes(s)...))
		for _, child := range children[s.SpanID] {
			if err := emit(spanCtx, child); err != nil {
				span.End(trace.WithTimestamp(time.UnixMicro(s.End())))
				return err
			}
		}
		span.End(trace.WithTimestamp(time.UnixMicro(s.End())))
		return nil
	}

	for _, root := range roots {
		if err := emit(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) tracer(t *jaeger.Trace, processID string, exp sdktrace.SpanExporter, providers map[string]*sdktrace.TracerProvider) (trace.Tracer, error) {
	tp, ok := providers[processID]
	if !ok {
		service := "unknown_service"
		if p, found := t.Processes[processID]; found && p.ServiceName != "" {
			service = p.ServiceName
		}
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes("", semconv.ServiceName(service)),
		)
		if err != nil {
			return nil, fmt.Errorf("building resource for %s: %w", service, err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		providers[processID] = tp
	}
	return tp.Tracer(instrumentationScope), nil
}

func spanAttributes(s *jaeger.Span) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(s.Tags))
	for _, kv := range s.Tags {
		switch v := kv.Value.(type) {
		case string:
			attrs = append(attrs, attribute.String(kv.Key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(kv.Key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(kv.Key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(kv.Key, v))
		}
	}
	return attrs
}
