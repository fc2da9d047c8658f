package dedup

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/grafana/tracedupe/jaeger"
)

// Cluster is a group of at least two sibling subtrees judged duplicates of
// the cluster's root. Members are sorted by start time and include the root.
type Cluster struct {
	Root    *jaeger.Span
	Members []*jaeger.Span
}

func (c Cluster) Size() int {
	return len(c.Members)
}

// Clusterer groups the children of one parent into clusters of mutually
// matching subtrees using the comparator.
type Clusterer struct {
	cmp         *Comparator
	startWindow int64
	log         *slog.Logger
}

func NewClusterer(cmp *Comparator, startWindowMicros int64, log *slog.Logger) *Clusterer {
	return &Clusterer{cmp: cmp, startWindow: startWindowMicros, log: log}
}

// ClusterSiblings clusters spans sharing a common parent. The earliest
// unclustered span seeds each cluster — database-classified spans never
// seed — and every later unclustered span equivalent to that root joins it.
// Clusters of size one are discarded, then temporally co-located clusters
// are merged.
func (c *Clusterer) ClusterSiblings(spans []*jaeger.Span) []Cluster {
	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, byStartTime)

	var clusters []Cluster
	used := make(map[string]bool, len(sorted))
	for i, root := range sorted {
		if used[root.SpanID] {
			continue
		}
		if IsDatabase(root) {
			c.log.Debug("skipping database span as cluster root", "span", root.SpanID)
			continue
		}
		members := []*jaeger.Span{root}
		for _, candidate := range sorted[i+1:] {
			if used[candidate.SpanID] {
				continue
			}
			if c.cmp.Equivalent(root, candidate, true) {
				members = append(members, candidate)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			used[m.SpanID] = true
		}
		c.log.Debug("cluster formed", "root", root.SpanID, "size", len(members))
		clusters = append(clusters, Cluster{Root: root, Members: members})
	}

	return c.merge(clusters)
}

// merge repeatedly folds together clusters that are temporally co-located:
// at least one span of each within the start window of a span of the other.
// This catches siblings that ended up under different representative roots.
func (c *Clusterer) merge(clusters []Cluster) []Cluster {
	for {
		merged := false
		for i := 0; i < len(clusters) && !merged; i++ {
			for j := i + 1; j < len(clusters); j++ {
				if !c.coLocated(clusters[i], clusters[j]) {
					continue
				}
				c.log.Debug("merging co-located clusters",
					"a", clusters[i].Root.SpanID, "b", clusters[j].Root.SpanID)
				clusters[i].Members = append(clusters[i].Members, clusters[j].Members...)
				slices.SortFunc(clusters[i].Members, byStartTime)
				clusters[i].Root = clusters[i].Members[0]
				clusters = slices.Delete(clusters, j, j+1)
				merged = true
				break
			}
		}
		if !merged {
			return clusters
		}
	}
}

func (c *Clusterer) coLocated(a, b Cluster) bool {
	for _, sa := range a.Members {
		for _, sb := range b.Members {
			if abs64(sa.StartTime-sb.StartTime) <= c.startWindow {
				return true
			}
		}
	}
	return false
}

func byStartTime(a, b *jaeger.Span) int {
	if a.StartTime != b.StartTime {
		if a.StartTime < b.StartTime {
			return -1
		}
		return 1
	}
	return strings.Compare(a.SpanID, b.SpanID)
}
