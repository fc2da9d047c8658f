package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/tracedupe/jaeger"
)

func TestBuildRepositoryHierarchy(t *testing.T) {
	spans := []*jaeger.Span{
		span("root", "GET /", 0, 100),
		span("a", "GET /a", 10, 30, childOf("root")),
		span("b", "GET /b", 20, 30, childOf("root")),
		span("c", "GET /c", 12, 10, childOf("a")),
	}
	repo := BuildRepository(spans, testLogger())

	require.Len(t, repo.Roots(), 1)
	assert.Equal(t, "root", repo.Roots()[0].SpanID)

	children := repo.Children("root")
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].SpanID)
	assert.Equal(t, "b", children[1].SpanID)

	parent, ok := repo.Parent("c")
	require.True(t, ok)
	assert.Equal(t, "a", parent.SpanID)

	_, ok = repo.Parent("root")
	assert.False(t, ok)
}

func TestDepthAndSubtreeSize(t *testing.T) {
	spans := []*jaeger.Span{
		span("root", "GET /", 0, 100),
		span("a", "GET /a", 10, 30, childOf("root")),
		span("b", "GET /b", 20, 30, childOf("root")),
		span("c", "GET /c", 12, 10, childOf("a")),
	}
	repo := BuildRepository(spans, testLogger())

	assert.Equal(t, 0, repo.Depth("c"))
	assert.Equal(t, 0, repo.Depth("b"))
	assert.Equal(t, 1, repo.Depth("a"))
	assert.Equal(t, 2, repo.Depth("root"))

	assert.Equal(t, 1, repo.SubtreeSize("c"))
	assert.Equal(t, 2, repo.SubtreeSize("a"))
	assert.Equal(t, 4, repo.SubtreeSize("root"))
}

func TestFirstChildOfReferenceWins(t *testing.T) {
	conflicted := span("x", "GET /x", 0, 10)
	conflicted.References = []jaeger.Reference{
		{RefType: jaeger.RefFollowsFrom, SpanID: "b"},
		{RefType: jaeger.RefChildOf, SpanID: "a"},
		{RefType: jaeger.RefChildOf, SpanID: "b"},
	}
	spans := []*jaeger.Span{
		span("a", "GET /a", 0, 10),
		span("b", "GET /b", 0, 10),
		conflicted,
	}
	repo := BuildRepository(spans, testLogger())

	parent, ok := repo.Parent("x")
	require.True(t, ok)
	assert.Equal(t, "a", parent.SpanID)
	assert.Empty(t, repo.Children("b"))
}

func TestUnresolvableParentBecomesRoot(t *testing.T) {
	spans := []*jaeger.Span{
		span("orphan", "GET /o", 0, 10, childOf("missing")),
	}
	repo := BuildRepository(spans, testLogger())

	require.Len(t, repo.Roots(), 1)
	assert.Equal(t, "orphan", repo.Roots()[0].SpanID)
	assert.Equal(t, 0, repo.Depth("orphan"))
}

func TestDuplicateSpanIDKeepsFirst(t *testing.T) {
	first := span("dup", "GET /first", 0, 10)
	second := span("dup", "GET /second", 5, 10)
	repo := BuildRepository([]*jaeger.Span{first, second}, testLogger())

	s, ok := repo.Span("dup")
	require.True(t, ok)
	assert.Equal(t, "GET /first", s.OperationName)
	assert.Len(t, repo.Spans(), 1)
}

func TestReferenceCycleIsBroken(t *testing.T) {
	spans := []*jaeger.Span{
		span("a", "GET /a", 0, 10, childOf("b")),
		span("b", "GET /b", 0, 10, childOf("a")),
		span("c", "GET /c", 0, 10, childOf("a")),
	}
	// Must terminate, and every span must end up measured.
	repo := BuildRepository(spans, testLogger())

	for _, id := range []string{"a", "b", "c"} {
		assert.GreaterOrEqual(t, repo.SubtreeSize(id), 1, "span %s", id)
	}
	require.NotEmpty(t, repo.Roots())
}

func TestWalkPreOrder(t *testing.T) {
	spans := []*jaeger.Span{
		span("root", "GET /", 0, 100),
		span("a", "GET /a", 10, 30, childOf("root")),
		span("c", "GET /c", 12, 10, childOf("a")),
		span("b", "GET /b", 20, 30, childOf("root")),
	}
	repo := BuildRepository(spans, testLogger())

	var visited []string
	depths := map[string]int{}
	root, _ := repo.Span("root")
	repo.Walk(root, func(s *jaeger.Span, depth int) {
		visited = append(visited, s.SpanID)
		depths[s.SpanID] = depth
	})

	assert.Equal(t, []string{"root", "a", "c", "b"}, visited)
	assert.Equal(t, 0, depths["root"])
	assert.Equal(t, 1, depths["a"])
	assert.Equal(t, 2, depths["c"])
}
