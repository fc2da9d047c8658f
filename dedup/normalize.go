package dedup

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/grafana/tracedupe/jaeger"
)

// Attribute keys consulted during normalization. The two method keys and the
// two status keys are semantic-convention aliases of each other.
const (
	tagHTTPMethod    = "http.method"
	tagHTTPReqMethod = "http.request.method"
	tagHTTPTarget    = "http.target"
	tagHTTPRoute     = "http.route"
	tagHTTPURL       = "http.url"
	tagURLPath       = "url.path"
	tagURLFull       = "url.full"
	tagDBStatement   = "db.statement"
	tagDBTable       = "db.sql.table"
	tagDBSystem      = "db.system"
)

const unknownTable = "unknown_table"

// sqlKeywords are tokens that can follow FROM without naming a table.
var sqlKeywords = map[string]bool{
	"select": true,
	"insert": true,
	"update": true,
	"delete": true,
	"where":  true,
	"join":   true,
	"as":     true,
}

// Normalizer rewrites each span's operation name into the canonical label
// that comparison and clustering key on: "METHOD PATH" for HTTP spans,
// "VERB TABLE" for database spans, the original name otherwise.
type Normalizer struct {
	log *slog.Logger
}

func NewNormalizer(log *slog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Apply normalizes every span in place. It must run exactly once, before
// the hierarchy is compared; spans are treated as immutable afterwards.
func (n *Normalizer) Apply(spans []*jaeger.Span) {
	for _, s := range spans {
		label := n.label(s)
		if label != s.OperationName {
			n.log.Debug("operation normalized", "span", s.SpanID, "from", s.OperationName, "to", label)
			s.OperationName = label
		}
	}
}

func (n *Normalizer) label(s *jaeger.Span) string {
	if method, ok := httpMethod(s); ok {
		path := httpPath(s)
		if path == "" {
			path = "/*"
			n.log.Debug("no path attribute, defaulting", "span", s.SpanID, "method", method)
		}
		return method + " " + path
	}
	if stmt, ok := s.Tag(tagDBStatement); ok {
		return databaseLabel(s, stmt)
	}
	return s.OperationName
}

// IsDatabase reports whether the span carries a database statement, the
// defining attribute of a database-classified span.
func IsDatabase(s *jaeger.Span) bool {
	return s.HasTag(tagDBStatement)
}

func httpMethod(s *jaeger.Span) (string, bool) {
	if m, ok := s.Tag(tagHTTPReqMethod); ok {
		return m, true
	}
	if m, ok := s.Tag(tagHTTPMethod); ok {
		return m, true
	}
	return "", false
}

// httpPath resolves the request path from the first present of the direct
// path attributes, falling back to the path component of a raw URL.
func httpPath(s *jaeger.Span) string {
	for _, key := range []string{tagHTTPTarget, tagURLPath, tagHTTPRoute} {
		if p, ok := s.Tag(key); ok && p != "" {
			return p
		}
	}
	for _, key := range []string{tagHTTPURL, tagURLFull} {
		raw, ok := s.Tag(key)
		if !ok || raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Path != "" {
			return u.Path
		}
	}
	return ""
}

// databaseLabel is "VERB TABLE", with the verb taken from the statement's
// leading keyword and the table from the explicit attribute or the token
// following FROM.
func databaseLabel(s *jaeger.Span, stmt string) string {
	return sqlVerb(stmt) + " " + tableName(s, stmt)
}

func sqlVerb(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return "QUERY"
	}
	switch v := strings.ToUpper(fields[0]); v {
	case "SELECT", "INSERT", "UPDATE", "DELETE":
		return v
	default:
		return "QUERY"
	}
}

func tableName(s *jaeger.Span, stmt string) string {
	if t, ok := s.Tag(tagDBTable); ok && t != "" {
		return t
	}
	if t, ok := tableFromStatement(stmt); ok {
		return t
	}
	return unknownTable
}

// tableFromStatement scans for the token after FROM, rejecting SQL keywords
// that would be false table names.
func tableFromStatement(stmt string) (string, bool) {
	_, after, found := strings.Cut(strings.ToUpper(stmt), "FROM")
	if !found {
		return "", false
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", false
	}
	token := strings.ToLower(fields[0])
	if sqlKeywords[token] {
		return "", false
	}
	return token, true
}

// DatabaseLeafOp describes a database leaf span for reporting, prefixed
// with the database system when known: "postgresql QUERY SELECT users".
func DatabaseLeafOp(s *jaeger.Span) string {
	stmt, ok := s.Tag(tagDBStatement)
	if !ok {
		return s.OperationName
	}
	verb := "QUERY"
	if fields := strings.Fields(stmt); len(fields) > 0 {
		verb = strings.ToUpper(fields[0])
	}
	op := fmt.Sprintf("QUERY %s %s", verb, tableName(s, stmt))
	if system, ok := s.Tag(tagDBSystem); ok && system != "" {
		op = system + " " + op
	}
	return op
}
