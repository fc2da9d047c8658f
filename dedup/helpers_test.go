package dedup

import (
	"io"
	"log/slog"

	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type spanOpt func(*jaeger.Span)

func span(id, op string, start, duration int64, opts ...spanOpt) *jaeger.Span {
	s := &jaeger.Span{
		TraceID:       "trace-1",
		SpanID:        id,
		OperationName: op,
		StartTime:     start,
		Duration:      duration,
		ProcessID:     "p1",
	}
	s.RebuildTagMap()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func childOf(parentID string) spanOpt {
	return func(s *jaeger.Span) {
		s.References = append(s.References, jaeger.Reference{RefType: jaeger.RefChildOf, SpanID: parentID})
	}
}

func inProcess(pid string) spanOpt {
	return func(s *jaeger.Span) {
		s.ProcessID = pid
	}
}

func withTag(key, value string) spanOpt {
	return func(s *jaeger.Span) {
		s.SetTag(key, "string", value)
	}
}

func dbStatement(stmt string) spanOpt {
	return withTag(tagDBStatement, stmt)
}

func defaultComparator(spans []*jaeger.Span) (*Comparator, *Repository) {
	cfg := model.Default()
	repo := BuildRepository(spans, testLogger())
	return NewComparator(repo, cfg.Tolerances, cfg.Rules, testLogger()), repo
}

// duplicatePair builds the canonical duplicate scenario: a parent with two
// sibling HTTP subtrees, each wrapping one database leaf. bStart and bDur
// position the second subtree.
func duplicatePair(bStart, bDur int64) []*jaeger.Span {
	return []*jaeger.Span{
		span("parent", "GET /orders", 0, 200_000),
		span("a", "GET /users", 0, 50_000, childOf("parent")),
		span("a-db", "SELECT users", 1_000, 10_000, childOf("a"), dbStatement("SELECT * FROM users")),
		span("b", "GET /users", bStart, bDur, childOf("parent")),
		span("b-db", "SELECT users", bStart+1_000, 10_000, childOf("b"), dbStatement("SELECT * FROM users")),
	}
}
