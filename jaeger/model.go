// Package jaeger holds the trace-file schema and the incremental reader for
// traces exported in the Jaeger UI JSON format.
package jaeger

// Reference types carried by span references.
const (
	RefChildOf     = "CHILD_OF"
	RefFollowsFrom = "FOLLOWS_FROM"
)

// Document is the envelope of a Jaeger UI JSON export.
type Document struct {
	Data []*Trace `json:"data"`
}

// Trace is one fully materialized trace: a forest of spans plus the process
// table they reference.
type Trace struct {
	TraceID   string             `json:"traceID"`
	Spans     []*Span            `json:"spans"`
	Processes map[string]Process `json:"processes"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// Span is one timed operation. StartTime and Duration are microseconds;
// StartTime counts from the Unix epoch.
type Span struct {
	TraceID       string      `json:"traceID"`
	SpanID        string      `json:"spanID"`
	OperationName string      `json:"operationName"`
	References    []Reference `json:"references"`
	StartTime     int64       `json:"startTime"`
	Duration      int64       `json:"duration"`
	Tags          []KeyValue  `json:"tags"`
	ProcessID     string      `json:"processID"`
	Warnings      []string    `json:"warnings,omitempty"`

	// tags flattened to a lookup map, built once by the reader (or by
	// RebuildTagMap for spans constructed in code). Not serialized.
	tagMap map[string]string
}

// Reference is a causal link to another span.
type Reference struct {
	RefType string `json:"refType"`
	TraceID string `json:"traceID,omitempty"`
	SpanID  string `json:"spanID"`
}

// KeyValue is one span or process attribute. Values are kept as strings;
// numeric and boolean tag values are stringified on read.
type KeyValue struct {
	Key   string `json:"key"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

// Process identifies the service a span originates from.
type Process struct {
	ServiceName string     `json:"serviceName"`
	Tags        []KeyValue `json:"tags,omitempty"`
}

// Tag returns the string value of the attribute with the given key.
func (s *Span) Tag(key string) (string, bool) {
	v, ok := s.tagMap[key]
	return v, ok
}

// HasTag reports whether the span carries the given attribute key.
func (s *Span) HasTag(key string) bool {
	_, ok := s.tagMap[key]
	return ok
}

// End returns the exclusive end of the span interval in microseconds.
func (s *Span) End() int64 {
	return s.StartTime + s.Duration
}

// RebuildTagMap refreshes the flattened tag lookup from s.Tags. The reader
// calls this after decoding; tests and the exporter call it after building
// spans by hand.
func (s *Span) RebuildTagMap() {
	s.tagMap = make(map[string]string, len(s.Tags))
	for _, kv := range s.Tags {
		s.tagMap[kv.Key] = stringValue(kv.Value)
	}
}

// SetTag appends an attribute and keeps the lookup map in sync.
func (s *Span) SetTag(key, typ string, value any) {
	s.Tags = append(s.Tags, KeyValue{Key: key, Type: typ, Value: value})
	if s.tagMap == nil {
		s.tagMap = make(map[string]string)
	}
	s.tagMap[key] = stringValue(value)
}
