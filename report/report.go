package report

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/grafana/tracedupe/dedup"
	"github.com/grafana/tracedupe/jaeger"
	"github.com/grafana/tracedupe/model"
)

const maxLeafOpLen = 50

// Renderer writes the human-readable summary of an analysis result.
// Output limits come from the report configuration; coloring follows the
// process-wide color settings.
type Renderer struct {
	maxClusters int
	maxMembers  int
	log         *slog.Logger
}

func NewRenderer(cfg model.Report, log *slog.Logger) *Renderer {
	return &Renderer{maxClusters: cfg.MaxClusters, maxMembers: cfg.MaxMembers, log: log}
}

// Render writes the whole report. An empty result renders a single line
// saying so; that is a valid outcome, not an error.
func (r *Renderer) Render(w io.Writer, res *dedup.Result) error {
	r.log.Debug("rendering report", "trace", res.TraceID, "groups", len(res.Groups))
	if _, err := fmt.Fprintf(w, "\nParallel matching subtrees in trace %s\n\n", color.CyanString(res.TraceID)); err != nil {
		return err
	}
	if len(res.Groups) == 0 {
		_, err := fmt.Fprintln(w, "No matching parallel subtrees found.")
		return err
	}

	for _, g := range res.Groups {
		if err := r.renderGroup(w, res, g); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderGroup(w io.Writer, res *dedup.Result, g dedup.Group) error {
	parentService := res.Service(g.Parent.ProcessID)
	fmt.Fprintf(w, "Parent: %s - %s (span %s, depth %d)\n",
		color.YellowString(parentService), g.Parent.OperationName, g.Parent.SpanID, g.ParentDepth)
	fmt.Fprintf(w, "Matching subtree clusters: %d\n\n", len(g.Clusters))

	for i, c := range g.Clusters {
		if i >= r.maxClusters {
			fmt.Fprintf(w, "  ...and %d more clusters\n", len(g.Clusters)-r.maxClusters)
			break
		}
		r.renderCluster(w, res, i+1, c)
	}
	_, err := fmt.Fprintln(w, strings.Repeat("-", 40))
	return err
}

func (r *Renderer) renderCluster(w io.Writer, res *dedup.Result, n int, c dedup.Cluster) {
	requesting, receiving := ServiceNames(c.Root, res)
	fmt.Fprintf(w, "  Cluster %d -- requesting: %s, receiving: %s, request: %s (size %d)\n",
		n, requesting, receiving, color.GreenString(c.Root.OperationName), c.Size())

	for i, m := range c.Members {
		if i >= r.maxMembers {
			fmt.Fprintf(w, "    ...and %d more subtrees\n", c.Size()-r.maxMembers)
			break
		}
		fmt.Fprintf(w, "    %d. span %s  start %s  duration %dus  status %s\n",
			i+1, m.SpanID, formatStart(m.StartTime), m.Duration, StatusCode(m))
	}

	for _, b := range leafHistogram(res, c.Root) {
		fmt.Fprintf(w, "    leaf operations at depth %d: %s\n", b.depth, b.describe())
	}
	fmt.Fprintln(w)
}

func formatStart(micros int64) string {
	return time.UnixMicro(micros).UTC().Format("2006-01-02 15:04:05.000000")
}

// leafBucket counts leaf operations observed at one depth beneath a cluster
// root.
type leafBucket struct {
	depth  int
	order  []string
	counts map[string]int
}

func (b leafBucket) describe() string {
	parts := make([]string, 0, len(b.order))
	for _, op := range b.order {
		if n := b.counts[op]; n > 1 {
			parts = append(parts, fmt.Sprintf("%s x%d", op, n))
		} else {
			parts = append(parts, op)
		}
	}
	return strings.Join(parts, ", ")
}

// leafHistogram walks the subtree under root and buckets its leaf
// operations by depth. Database leaves are described with their enhanced
// statement summary rather than the bare canonical label.
func leafHistogram(res *dedup.Result, root *jaeger.Span) []leafBucket {
	buckets := map[int]*leafBucket{}
	res.Forest.Walk(root, func(s *jaeger.Span, depth int) {
		if len(res.Forest.Children(s.SpanID)) > 0 {
			return
		}
		op := leafOperation(s)
		b, ok := buckets[depth]
		if !ok {
			b = &leafBucket{depth: depth, counts: map[string]int{}}
			buckets[depth] = b
		}
		if _, seen := b.counts[op]; !seen {
			b.order = append(b.order, op)
		}
		b.counts[op]++
	})

	out := make([]leafBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b leafBucket) int { return a.depth - b.depth })
	return out
}

func leafOperation(s *jaeger.Span) string {
	op := s.OperationName
	if dedup.IsDatabase(s) {
		op = dedup.DatabaseLeafOp(s)
	}
	if len(op) > maxLeafOpLen {
		cut := maxLeafOpLen - 3
		// never split a multi-byte rune
		for cut > 0 && !utf8.RuneStart(op[cut]) {
			cut--
		}
		op = op[:cut] + "..."
	}
	return op
}
