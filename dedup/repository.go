// Package dedup is the duplicate/parallel-subtree detection engine: it
// derives the span hierarchy of a single trace, normalizes operation names,
// and groups sibling subtrees that are structurally and temporally
// equivalent within configurable tolerance windows.
package dedup

import (
	"log/slog"

	"github.com/grafana/tracedupe/jaeger"
)

// Repository indexes the spans of one trace by identity and derives the
// parent→children forest plus the depth and subtree-size metrics. It is
// built once per run and immutable afterwards; metrics are computed by an
// explicit post-order traversal at build time, so lookups never recurse.
type Repository struct {
	spans    []*jaeger.Span
	byID     map[string]*jaeger.Span
	children map[string][]*jaeger.Span
	parent   map[string]string
	roots    []*jaeger.Span
	depth    map[string]int
	size     map[string]int
	log      *slog.Logger
}

// BuildRepository resolves each span's parent as the target of its first
// CHILD_OF reference that points at a known span. Spans without a resolvable
// parent become roots. Reference cycles are broken explicitly: the offending
// parent link is severed and the span is promoted to a root.
func BuildRepository(spans []*jaeger.Span, log *slog.Logger) *Repository {
	r := &Repository{
		byID:     make(map[string]*jaeger.Span, len(spans)),
		children: make(map[string][]*jaeger.Span),
		parent:   make(map[string]string),
		depth:    make(map[string]int, len(spans)),
		size:     make(map[string]int, len(spans)),
		log:      log,
	}

	for _, s := range spans {
		if _, dup := r.byID[s.SpanID]; dup {
			log.Warn("duplicate span ID, keeping the first occurrence", "span", s.SpanID)
			continue
		}
		r.byID[s.SpanID] = s
		r.spans = append(r.spans, s)
	}

	for _, s := range r.spans {
		parentID, ok := r.resolveParent(s)
		if !ok {
			r.roots = append(r.roots, s)
			continue
		}
		r.parent[s.SpanID] = parentID
		r.children[parentID] = append(r.children[parentID], s)
	}

	r.measureAll()
	return r
}

// resolveParent returns the first CHILD_OF reference target that exists
// among the known spans. Conflicting references are not an error: the first
// match wins.
func (r *Repository) resolveParent(s *jaeger.Span) (string, bool) {
	for _, ref := range s.References {
		if ref.RefType != jaeger.RefChildOf {
			continue
		}
		if ref.SpanID == s.SpanID {
			continue
		}
		if _, ok := r.byID[ref.SpanID]; ok {
			return ref.SpanID, true
		}
	}
	return "", false
}

// measureAll computes depth and subtree size for every span. Spans not
// reachable from any root sit on a parent-reference cycle; the cycle is
// broken at the first unreached span and that span is treated as a root.
func (r *Repository) measureAll() {
	for _, root := range r.roots {
		r.measure(root)
	}
	for _, s := range r.spans {
		if _, done := r.depth[s.SpanID]; done {
			continue
		}
		r.log.Warn("reference cycle detected, breaking parent link", "span", s.SpanID, "parent", r.parent[s.SpanID])
		r.severParent(s)
		r.roots = append(r.roots, s)
		r.measure(s)
	}
}

func (r *Repository) severParent(s *jaeger.Span) {
	p := r.parent[s.SpanID]
	delete(r.parent, s.SpanID)
	siblings := r.children[p]
	for i, c := range siblings {
		if c.SpanID == s.SpanID {
			r.children[p] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
}

// measure fills the depth and size tables for the subtree under root using
// an explicit stack: depth 0 and size 1 at leaves, 1+max(child depths) and
// 1+sum(child sizes) elsewhere.
func (r *Repository) measure(root *jaeger.Span) {
	type frame struct {
		span *jaeger.Span
		next int
	}
	stack := []frame{{span: root}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		kids := r.children[f.span.SpanID]
		if f.next < len(kids) {
			child := kids[f.next]
			f.next++
			if _, done := r.depth[child.SpanID]; !done {
				stack = append(stack, frame{span: child})
			}
			continue
		}
		depth, size := 0, 1
		for _, c := range kids {
			if d := r.depth[c.SpanID] + 1; d > depth {
				depth = d
			}
			size += r.size[c.SpanID]
		}
		r.depth[f.span.SpanID] = depth
		r.size[f.span.SpanID] = size
		stack = stack[:len(stack)-1]
	}
}

// Span returns the span with the given identity.
func (r *Repository) Span(id string) (*jaeger.Span, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Spans returns all indexed spans in ingestion order.
func (r *Repository) Spans() []*jaeger.Span {
	return r.spans
}

// Roots returns the spans without a resolvable parent.
func (r *Repository) Roots() []*jaeger.Span {
	return r.roots
}

// Children returns the direct children of the given span.
func (r *Repository) Children(id string) []*jaeger.Span {
	return r.children[id]
}

// Parent returns the resolved parent span, if any.
func (r *Repository) Parent(id string) (*jaeger.Span, bool) {
	p, ok := r.parent[id]
	if !ok {
		return nil, false
	}
	return r.byID[p], true
}

// Depth returns the memoized hierarchy depth beneath the given span:
// 0 for leaves, 1+max over children otherwise.
func (r *Repository) Depth(id string) int {
	return r.depth[id]
}

// SubtreeSize returns the memoized number of spans in the subtree rooted at
// the given span, the span itself included.
func (r *Repository) SubtreeSize(id string) int {
	return r.size[id]
}

// Walk visits the subtree under root in pre-order, reporting each span's
// depth relative to root.
func (r *Repository) Walk(root *jaeger.Span, fn func(s *jaeger.Span, depth int)) {
	type frame struct {
		span  *jaeger.Span
		depth int
	}
	stack := []frame{{span: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(f.span, f.depth)
		kids := r.children[f.span.SpanID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, frame{span: kids[i], depth: f.depth + 1})
		}
	}
}
