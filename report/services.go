// Package report renders the analysis result for humans: per-group cluster
// listings with the services involved, member timing and status, and
// leaf-operation histograms.
package report

import (
	"net/url"

	"github.com/grafana/tracedupe/dedup"
	"github.com/grafana/tracedupe/jaeger"
)

const (
	tagSpanKind    = "span.kind"
	tagServerAddr  = "server.address"
	tagNetPeerName = "net.peer.name"
	tagHTTPURL     = "http.url"
	tagStatusCode  = "http.status_code"
	tagRespStatus  = "http.response.status_code"
)

const unknownService = "Unknown"

// ServiceNames derives the requesting and receiving service for a subtree
// root. Server spans receive in their own process and are requested by the
// parent's process; client spans request from their own process and the
// receiver is taken from peer attributes, preferring the service of a child
// span on the far side when the trace contains one.
func ServiceNames(s *jaeger.Span, res *dedup.Result) (requesting, receiving string) {
	own := res.Service(s.ProcessID)
	kind, _ := s.Tag(tagSpanKind)

	if kind == "server" {
		requesting = unknownService
		if parent, ok := res.Forest.Parent(s.SpanID); ok {
			requesting = res.Service(parent.ProcessID)
		}
		return requesting, own
	}

	receiving = peerService(s)
	for _, child := range res.Forest.Children(s.SpanID) {
		if svc := res.Service(child.ProcessID); svc != unknownService {
			receiving = svc
			break
		}
	}
	return own, receiving
}

// peerService resolves the receiving side of a client span from its own
// attributes only.
func peerService(s *jaeger.Span) string {
	if addr, ok := s.Tag(tagServerAddr); ok && addr != "" {
		return addr
	}
	if raw, ok := s.Tag(tagHTTPURL); ok {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if peer, ok := s.Tag(tagNetPeerName); ok && peer != "" {
		return peer
	}
	return unknownService
}

// StatusCode extracts the HTTP status of a span, accepting both semantic
// convention generations of the attribute key.
func StatusCode(s *jaeger.Span) string {
	if code, ok := s.Tag(tagRespStatus); ok {
		return code
	}
	if code, ok := s.Tag(tagStatusCode); ok {
		return code
	}
	return "N/A"
}
