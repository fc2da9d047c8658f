// Package export turns selected clusters back into standalone traces: as
// Jaeger UI JSON files, as OTLP JSON, or replayed to an OTLP endpoint so
// that trace-visualization tools can load each cluster on its own.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/grafana/tracedupe/dedup"
	"github.com/grafana/tracedupe/jaeger"
)

// Provenance tags stamped onto exported spans.
const (
	tagSourceTrace = "dedupe.cluster.source_trace"
	tagClusterSize = "dedupe.cluster.size"
	tagClusterOp   = "dedupe.cluster.operation"
	tagClusterRoot = "dedupe.cluster.root"
)

// SyntheticTrace re-serializes one cluster as an independent trace: the
// parent span becomes the new root, followed by every matched subtree. Span
// identities are kept, the trace identity is fresh, and provenance tags
// record where the cluster came from.
func SyntheticTrace(res *dedup.Result, g dedup.Group, c dedup.Cluster) *jaeger.Trace {
	traceID := newTraceID()

	included := map[string]bool{g.Parent.SpanID: true}
	for _, m := range c.Members {
		res.Forest.Walk(m, func(s *jaeger.Span, _ int) {
			included[s.SpanID] = true
		})
	}

	parent := cloneSpan(g.Parent, traceID, included)
	parent.References = nil
	parent.SetTag(tagSourceTrace, "string", res.TraceID)
	parent.SetTag(tagClusterSize, "string", fmt.Sprint(c.Size()))
	parent.SetTag(tagClusterOp, "string", g.Operation)

	t := &jaeger.Trace{
		TraceID:   traceID,
		Spans:     []*jaeger.Span{parent},
		Processes: map[string]jaeger.Process{},
	}
	addProcess(t, res, g.Parent.ProcessID)

	for _, m := range c.Members {
		res.Forest.Walk(m, func(s *jaeger.Span, depth int) {
			clone := cloneSpan(s, traceID, included)
			if depth == 0 {
				clone.SetTag(tagClusterRoot, "string", "true")
			}
			t.Spans = append(t.Spans, clone)
			addProcess(t, res, s.ProcessID)
		})
	}
	return t
}

// cloneSpan copies a span into the synthetic trace, keeping only CHILD_OF
// references whose targets are part of it.
func cloneSpan(s *jaeger.Span, traceID string, included map[string]bool) *jaeger.Span {
	clone := &jaeger.Span{
		TraceID:       traceID,
		SpanID:        s.SpanID,
		OperationName: s.OperationName,
		StartTime:     s.StartTime,
		Duration:      s.Duration,
		Tags:          slices.Clone(s.Tags),
		ProcessID:     s.ProcessID,
	}
	for _, ref := range s.References {
		if ref.RefType == jaeger.RefChildOf && included[ref.SpanID] {
			clone.References = append(clone.References, jaeger.Reference{
				RefType: jaeger.RefChildOf,
				TraceID: traceID,
				SpanID:  ref.SpanID,
			})
		}
	}
	clone.RebuildTagMap()
	return clone
}

func addProcess(t *jaeger.Trace, res *dedup.Result, processID string) {
	if processID == "" {
		return
	}
	if _, ok := t.Processes[processID]; ok {
		return
	}
	if p, ok := res.Processes[processID]; ok {
		t.Processes[processID] = p
	}
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WriteJaegerFile writes one synthetic trace as a Jaeger UI JSON document
// under dir and returns the file path.
func WriteJaegerFile(dir string, t *jaeger.Trace, log *slog.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	doc := jaeger.Document{Data: []*jaeger.Trace{t}}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "cluster-"+t.TraceID+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	log.Info("cluster exported", "path", path, "spans", len(t.Spans))
	return path, nil
}
