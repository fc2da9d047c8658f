package export

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/grafana/tracedupe/dedup"
	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func span(id, op string, start, dur int64, process, parent string) *jaeger.Span {
	s := &jaeger.Span{
		TraceID:       "source",
		SpanID:        id,
		OperationName: op,
		StartTime:     start,
		Duration:      dur,
		ProcessID:     process,
	}
	if parent != "" {
		s.References = []jaeger.Reference{{RefType: jaeger.RefChildOf, SpanID: parent}}
	}
	s.RebuildTagMap()
	return s
}

// analyzedPair builds a trace with one duplicate pair and runs the full
// analysis, so that export tests start from a realistic result.
func analyzedPair(t *testing.T) (*dedup.Result, dedup.Group, dedup.Cluster) {
	t.Helper()

	parent := span("root", "GET /orders", 0, 200_000, "p1", "")
	a := span("a1", "GET /users", 1_000, 50_000, "p1", "root")
	aDB := span("a2", "SELECT users", 2_000, 10_000, "p2", "a1")
	aDB.SetTag("db.statement", "string", "SELECT * FROM users")
	b := span("b1", "GET /users", 3_000, 51_000, "p1", "root")
	bDB := span("b2", "SELECT users", 4_000, 10_500, "p2", "b1")
	bDB.SetTag("db.statement", "string", "SELECT * FROM users")
	stray := span("x1", "GET /health", 5_000, 1_000, "p1", "root")

	trace := &jaeger.Trace{
		TraceID: "source",
		Spans:   []*jaeger.Span{parent, a, aDB, b, bDB, stray},
		Processes: map[string]jaeger.Process{
			"p1": {ServiceName: "frontend"},
			"p2": {ServiceName: "backend"},
			"p3": {ServiceName: "unrelated"},
		},
	}
	res := dedup.Analyze(trace, model.Default(), testLogger())
	require.Len(t, res.Groups, 1)
	require.Len(t, res.Groups[0].Clusters, 1)
	return res, res.Groups[0], res.Groups[0].Clusters[0]
}

func TestSyntheticTrace(t *testing.T) {
	res, g, c := analyzedPair(t)

	synth := SyntheticTrace(res, g, c)

	assert.NotEqual(t, res.TraceID, synth.TraceID)
	assert.Len(t, synth.TraceID, 32)

	// parent plus the two member subtrees; the stray sibling stays out
	require.Len(t, synth.Spans, 5)
	ids := map[string]bool{}
	for _, s := range synth.Spans {
		ids[s.SpanID] = true
		assert.Equal(t, synth.TraceID, s.TraceID)
	}
	for _, want := range []string{"root", "a1", "a2", "b1", "b2"} {
		assert.True(t, ids[want], "missing span %s", want)
	}
	assert.False(t, ids["x1"])
}

func TestSyntheticTraceProvenance(t *testing.T) {
	res, g, c := analyzedPair(t)

	synth := SyntheticTrace(res, g, c)

	root := synth.Spans[0]
	assert.Empty(t, root.References)
	source, ok := root.Tag(tagSourceTrace)
	require.True(t, ok)
	assert.Equal(t, "source", source)
	size, _ := root.Tag(tagClusterSize)
	assert.Equal(t, "2", size)
	op, _ := root.Tag(tagClusterOp)
	assert.Equal(t, "GET /users", op)

	marked := 0
	for _, s := range synth.Spans[1:] {
		if s.HasTag(tagClusterRoot) {
			marked++
		}
	}
	assert.Equal(t, 2, marked, "each member root carries the marker")
}

func TestSyntheticTraceProcessSubset(t *testing.T) {
	res, g, c := analyzedPair(t)

	synth := SyntheticTrace(res, g, c)

	assert.Equal(t, "frontend", synth.Processes["p1"].ServiceName)
	assert.Equal(t, "backend", synth.Processes["p2"].ServiceName)
	_, ok := synth.Processes["p3"]
	assert.False(t, ok, "unreferenced processes are not carried over")
}

func TestSyntheticTraceReferencesStayInside(t *testing.T) {
	res, g, c := analyzedPair(t)

	synth := SyntheticTrace(res, g, c)

	for _, s := range synth.Spans {
		for _, ref := range s.References {
			assert.Equal(t, jaeger.RefChildOf, ref.RefType)
			assert.Equal(t, synth.TraceID, ref.TraceID)
		}
	}
}

func TestWriteJaegerFileRoundtrip(t *testing.T) {
	res, g, c := analyzedPair(t)
	synth := SyntheticTrace(res, g, c)

	dir := t.TempDir()
	path, err := WriteJaegerFile(dir, synth, testLogger())
	require.NoError(t, err)

	reread, err := jaeger.NewReader(testLogger()).ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, synth.TraceID, reread.TraceID)
	assert.Len(t, reread.Spans, len(synth.Spans))
	assert.Equal(t, "frontend", reread.Processes["p1"].ServiceName)
}

func TestToPTrace(t *testing.T) {
	res, g, c := analyzedPair(t)
	synth := SyntheticTrace(res, g, c)

	td := ToPTrace(synth)
	assert.Equal(t, len(synth.Spans), td.SpanCount())
	assert.Equal(t, 2, td.ResourceSpans().Len(), "one resource per process")

	services := map[string]bool{}
	var found bool
	for i := 0; i < td.ResourceSpans().Len(); i++ {
		rs := td.ResourceSpans().At(i)
		v, ok := rs.Resource().Attributes().Get("service.name")
		require.True(t, ok)
		services[v.Str()] = true

		ss := rs.ScopeSpans().At(0)
		assert.Equal(t, instrumentationScope, ss.Scope().Name())
		for j := 0; j < ss.Spans().Len(); j++ {
			sp := ss.Spans().At(j)
			if sp.Name() == "GET /users" && sp.SpanID() == parseSpanID("a1") {
				found = true
				assert.Equal(t, parseTraceID(synth.TraceID), sp.TraceID())
				assert.Equal(t, parseSpanID("root"), sp.ParentSpanID())
				assert.Equal(t, pcommon.Timestamp(1_000*1000), sp.StartTimestamp())
				assert.Equal(t, pcommon.Timestamp(51_000*1000), sp.EndTimestamp())
			}
		}
	}
	assert.True(t, found, "member span missing from conversion")
	assert.True(t, services["frontend"])
	assert.True(t, services["backend"])
}

func TestFillHex(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []byte
	}{
		{"full width", "0102030405060708", []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"short is right-aligned", "beef", []byte{0, 0, 0, 0, 0, 0, 0xbe, 0xef}},
		{"odd length is zero-padded", "abc", []byte{0, 0, 0, 0, 0, 0, 0x0a, 0xbc}},
		{"too long keeps the low bytes", "ff0102030405060708", []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"invalid hex leaves zeros", "not-hex!", make([]byte, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst [8]byte
			fillHex(dst[:], tt.in)
			assert.Equal(t, tt.want, dst[:])
		})
	}
}

func TestWriteOTLPFile(t *testing.T) {
	res, g, c := analyzedPair(t)
	td := ToPTrace(SyntheticTrace(res, g, c))

	dir := t.TempDir()
	path, err := WriteOTLPFile(dir, "clusters.json", []ptrace.Traces{td}, testLogger())
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"resourceSpans"`)
	assert.Contains(t, string(b), "GET /users")
}
