package dedup

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

// Comparator is the fuzzy subtree-equivalence predicate. Two sibling
// subtrees are equivalent when they agree on ownership, structure (subtree
// size, depth, child counts) and canonical operation labels, and — at the
// top of the comparison — start close enough together with compatible
// durations. Every check is symmetric in its arguments, so the predicate is
// symmetric by construction.
type Comparator struct {
	repo  *Repository
	tol   model.Tolerances
	rules model.Rules
	log   *slog.Logger
}

func NewComparator(repo *Repository, tol model.Tolerances, rules model.Rules, log *slog.Logger) *Comparator {
	return &Comparator{repo: repo, tol: tol, rules: rules, log: log}
}

// Equivalent reports whether the subtrees rooted at a and b are duplicates
// of each other. top marks the outermost call, where the timing tolerances
// and the minimum-depth rule apply; recursive calls pass top=false. The
// first failed check short-circuits.
func (c *Comparator) Equivalent(a, b *jaeger.Span, top bool) bool {
	if c.rules.SameProcess() && a.ProcessID != b.ProcessID {
		c.fail(a, b, "process mismatch")
		return false
	}

	if !c.sizesMatch(a, b) {
		c.fail(a, b, "subtree size mismatch")
		return false
	}

	depthA, depthB := c.repo.Depth(a.SpanID), c.repo.Depth(b.SpanID)
	if depthA != depthB {
		c.fail(a, b, "depth mismatch")
		return false
	}
	// A top-level pair must span at least two hierarchy levels: pairs of
	// bare leaves are not interesting duplicates.
	if top && depthA < 1 {
		c.fail(a, b, "subtree too shallow")
		return false
	}

	if top && !c.timingCompatible(a, b) {
		return false
	}

	if !labelsMatch(a, b) {
		c.fail(a, b, "operation mismatch")
		return false
	}

	childrenA := c.repo.Children(a.SpanID)
	childrenB := c.repo.Children(b.SpanID)
	if len(childrenA) == 0 && len(childrenB) == 0 {
		return true
	}

	return c.childrenEquivalent(a, b, childrenA, childrenB)
}

// sizesMatch requires equal subtree sizes. The tolerant database-child rule
// permits a difference of one, so that subtrees differing by a single
// database leaf can still pair up; the child-count checks below make sure
// the slack is only ever spent on a database child.
func (c *Comparator) sizesMatch(a, b *jaeger.Span) bool {
	diff := abs64(int64(c.repo.SubtreeSize(a.SpanID)) - int64(c.repo.SubtreeSize(b.SpanID)))
	if diff == 0 {
		return true
	}
	return c.rules.DBChildMatch == model.DBChildTolerant && diff == 1
}

func (c *Comparator) timingCompatible(a, b *jaeger.Span) bool {
	if abs64(a.StartTime-b.StartTime) > c.tol.StartWindowMicros {
		c.fail(a, b, "start times too far apart")
		return false
	}

	// Signed overlap of the two [start, start+duration) intervals;
	// negative means a gap of that size between them.
	overlap := min(a.End(), b.End()) - max(a.StartTime, b.StartTime)
	if c.tol.GapMicros >= 0 {
		if overlap < 0 && -overlap > c.tol.GapMicros {
			c.fail(a, b, "gap between spans too large")
			return false
		}
	} else if overlap < -c.tol.GapMicros {
		c.fail(a, b, "spans do not overlap enough")
		return false
	}

	durDiff := abs64(a.Duration - b.Duration)
	if durDiff > c.tol.DurationSlackMicros {
		c.fail(a, b, "duration difference too large")
		return false
	}
	short := a.Duration < c.tol.ShortDurationMicros && b.Duration < c.tol.ShortDurationMicros
	if !short && float64(durDiff) > c.tol.DurationSlackRatio*float64(max(a.Duration, b.Duration)) {
		c.fail(a, b, "duration difference exceeds ratio")
		return false
	}
	return true
}

// labelsMatch compares canonical operation labels, treating all
// QUERY-classified database spans as one equivalence class.
func labelsMatch(a, b *jaeger.Span) bool {
	if a.OperationName == b.OperationName {
		return true
	}
	return IsDatabase(a) && IsDatabase(b) &&
		strings.HasPrefix(a.OperationName, "QUERY") &&
		strings.HasPrefix(b.OperationName, "QUERY")
}

func (c *Comparator) childrenEquivalent(a, b *jaeger.Span, childrenA, childrenB []*jaeger.Span) bool {
	restA, dbA := splitDatabase(childrenA)
	restB, dbB := splitDatabase(childrenB)

	if len(childrenA) != len(childrenB) {
		// Only the tolerant database rule may absorb a count difference,
		// and only by a single database child.
		if c.rules.DBChildMatch != model.DBChildTolerant ||
			abs64(int64(len(childrenA))-int64(len(childrenB))) != 1 ||
			abs64(int64(dbA)-int64(dbB)) != 1 ||
			len(restA) != len(restB) {
			c.fail(a, b, "child count mismatch")
			return false
		}
	}

	if dbA > 0 || dbB > 0 {
		// Database children are compared by count only, never recursed
		// into: repeated statements against the same backend are noise at
		// this level.
		if !c.dbCountsMatch(dbA, dbB) {
			c.fail(a, b, "database child count mismatch")
			return false
		}
		if len(restA) != len(restB) {
			c.fail(a, b, "non-database child count mismatch")
			return false
		}
		return c.pairwiseEquivalent(restA, restB)
	}

	return c.pairwiseEquivalent(childrenA, childrenB)
}

func (c *Comparator) dbCountsMatch(dbA, dbB int) bool {
	if c.rules.DBChildMatch == model.DBChildTolerant {
		return abs64(int64(dbA)-int64(dbB)) <= 1
	}
	return dbA == dbB
}

// pairwiseEquivalent sorts both child lists into the documented total order
// (canonical label, then start time, then span ID) and compares them
// position by position.
func (c *Comparator) pairwiseEquivalent(childrenA, childrenB []*jaeger.Span) bool {
	sortedA := sortedByLabel(childrenA)
	sortedB := sortedByLabel(childrenB)
	for i := range sortedA {
		if !c.Equivalent(sortedA[i], sortedB[i], false) {
			return false
		}
	}
	return true
}

func sortedByLabel(spans []*jaeger.Span) []*jaeger.Span {
	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, func(a, b *jaeger.Span) int {
		if d := strings.Compare(a.OperationName, b.OperationName); d != 0 {
			return d
		}
		if a.StartTime != b.StartTime {
			if a.StartTime < b.StartTime {
				return -1
			}
			return 1
		}
		return strings.Compare(a.SpanID, b.SpanID)
	})
	return sorted
}

func splitDatabase(spans []*jaeger.Span) (rest []*jaeger.Span, db int) {
	for _, s := range spans {
		if IsDatabase(s) {
			db++
			continue
		}
		rest = append(rest, s)
	}
	return rest, db
}

func (c *Comparator) fail(a, b *jaeger.Span, reason string) {
	c.log.Debug("subtrees differ", "a", a.SpanID, "b", b.SpanID, "reason", reason)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
