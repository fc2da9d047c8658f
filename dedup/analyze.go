package dedup

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

// Group is the analysis output for one (parent, representative-operation)
// pair: the clusters of duplicate sibling subtrees found under that parent
// whose roots carry that operation.
type Group struct {
	Parent      *jaeger.Span
	ParentDepth int
	Operation   string
	Clusters    []Cluster
}

// Result is the outcome of one analysis run over a single trace. The
// repository is exposed so that reporting and export can walk the forest
// without rebuilding it.
type Result struct {
	TraceID   string
	Processes map[string]jaeger.Process
	Groups    []Group
	Forest    *Repository
}

// Service resolves a process ID to its service name, "Unknown" when the
// process table has no entry.
func (r *Result) Service(processID string) string {
	if p, ok := r.Processes[processID]; ok && p.ServiceName != "" {
		return p.ServiceName
	}
	return "Unknown"
}

// Analyze runs the full pipeline over one materialized trace: normalize
// operation labels, build the forest, then cluster the children of every
// parent and group the clusters by representative operation. An empty
// Groups slice is a valid result, not an error.
func Analyze(trace *jaeger.Trace, cfg model.Config, log *slog.Logger) *Result {
	normalizer := NewNormalizer(log)
	normalizer.Apply(trace.Spans)

	repo := BuildRepository(trace.Spans, log)
	cmp := NewComparator(repo, cfg.Tolerances, cfg.Rules, log)
	clusterer := NewClusterer(cmp, cfg.Tolerances.StartWindowMicros, log)

	res := &Result{
		TraceID:   trace.TraceID,
		Processes: trace.Processes,
		Forest:    repo,
	}

	for _, parent := range repo.Spans() {
		candidates := deepChildren(repo, parent.SpanID)
		if len(candidates) < 2 {
			continue
		}
		clusters := clusterer.ClusterSiblings(candidates)
		if len(clusters) == 0 {
			continue
		}
		res.Groups = append(res.Groups, groupByOperation(parent, repo.Depth(parent.SpanID), clusters)...)
	}

	sortGroups(res.Groups)
	log.Info("analysis complete", "trace", trace.TraceID, "groups", len(res.Groups))
	return res
}

// deepChildren returns the children that have children of their own. Leaf
// siblings can never satisfy the comparator's minimum-depth rule, so they
// are filtered before clustering.
func deepChildren(repo *Repository, parentID string) []*jaeger.Span {
	var out []*jaeger.Span
	for _, child := range repo.Children(parentID) {
		if repo.Depth(child.SpanID) >= 1 {
			out = append(out, child)
		}
	}
	return out
}

// groupByOperation splits one parent's clusters by the canonical operation
// of their roots.
func groupByOperation(parent *jaeger.Span, parentDepth int, clusters []Cluster) []Group {
	byOp := make(map[string]*Group)
	var order []string
	for _, c := range clusters {
		op := c.Root.OperationName
		g, ok := byOp[op]
		if !ok {
			g = &Group{Parent: parent, ParentDepth: parentDepth, Operation: op}
			byOp[op] = g
			order = append(order, op)
		}
		g.Clusters = append(g.Clusters, c)
	}

	out := make([]Group, 0, len(order))
	for _, op := range order {
		g := byOp[op]
		sortClusters(g.Clusters)
		out = append(out, *g)
	}
	return out
}

func sortClusters(clusters []Cluster) {
	slices.SortFunc(clusters, func(a, b Cluster) int {
		return byStartTime(a.Root, b.Root)
	})
}

// sortGroups fixes the output order: parent span ID, then operation. The
// whole pipeline is deterministic given identical input.
func sortGroups(groups []Group) {
	slices.SortFunc(groups, func(a, b Group) int {
		if d := strings.Compare(a.Parent.SpanID, b.Parent.SpanID); d != 0 {
			return d
		}
		return strings.Compare(a.Operation, b.Operation)
	})
}
