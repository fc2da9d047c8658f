package export

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/grafana/tracedupe/jaeger"
)

const instrumentationScope = "github.com/grafana/tracedupe/export"

// ToPTrace converts a synthetic trace into the OTLP data model, one
// resource per originating process.
func ToPTrace(t *jaeger.Trace) ptrace.Traces {
	td := ptrace.NewTraces()
	traceID := parseTraceID(t.TraceID)

	byProcess := map[string]ptrace.SpanSlice{}
	for _, s := range t.Spans {
		spans, ok := byProcess[s.ProcessID]
		if !ok {
			rs := td.ResourceSpans().AppendEmpty()
			service := "unknown_service"
			if p, found := t.Processes[s.ProcessID]; found && p.ServiceName != "" {
				service = p.ServiceName
			}
			rs.Resource().Attributes().PutStr("service.name", service)
			ss := rs.ScopeSpans().AppendEmpty()
			ss.Scope().SetName(instrumentationScope)
			spans = ss.Spans()
			byProcess[s.ProcessID] = spans
		}

		sp := spans.AppendEmpty()
		sp.SetTraceID(traceID)
		sp.SetSpanID(parseSpanID(s.SpanID))
		if parent := firstChildOf(s); parent != "" {
			sp.SetParentSpanID(parseSpanID(parent))
		}
		sp.SetName(s.OperationName)
		sp.SetStartTimestamp(pcommon.Timestamp(s.StartTime * 1000))
		sp.SetEndTimestamp(pcommon.Timestamp(s.End() * 1000))
		for _, kv := range s.Tags {
			putAttribute(sp.Attributes(), kv)
		}
	}
	return td
}

func firstChildOf(s *jaeger.Span) string {
	for _, ref := range s.References {
		if ref.RefType == jaeger.RefChildOf {
			return ref.SpanID
		}
	}
	return ""
}

func putAttribute(attrs pcommon.Map, kv jaeger.KeyValue) {
	switch v := kv.Value.(type) {
	case string:
		attrs.PutStr(kv.Key, v)
	case bool:
		attrs.PutBool(kv.Key, v)
	case float64:
		attrs.PutDouble(kv.Key, v)
	case int64:
		attrs.PutInt(kv.Key, v)
	}
}

// parseTraceID reads a hex trace ID, right-aligned into 16 bytes the way
// Jaeger pads short IDs.
func parseTraceID(id string) pcommon.TraceID {
	var out [16]byte
	fillHex(out[:], id)
	return pcommon.TraceID(out)
}

func parseSpanID(id string) pcommon.SpanID {
	var out [8]byte
	fillHex(out[:], id)
	return pcommon.SpanID(out)
}

func fillHex(dst []byte, id string) {
	if len(id)%2 == 1 {
		id = "0" + id
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return
	}
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	copy(dst[len(dst)-len(b):], b)
}

// WriteOTLPFile writes the traces as OTLP JSON, one serialized trace per
// line, and returns the file path.
func WriteOTLPFile(dir, name string, traces []ptrace.Traces, log *slog.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	m := ptrace.JSONMarshaler{}
	for _, td := range traces {
		b, err := m.MarshalTraces(td)
		if err != nil {
			return "", err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	log.Info("OTLP export written", "path", path, "traces", len(traces))
	return path, nil
}
