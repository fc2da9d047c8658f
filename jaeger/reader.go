package jaeger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrNoTraceID is returned when the file contains no trace identifier.
	ErrNoTraceID = errors.New("no trace ID found")
	// ErrNoSpans is returned when no span with identity, start time and
	// duration survives validation.
	ErrNoSpans = errors.New("no valid spans found")
)

const sniffLen = 64 * 1024

// Reader parses Jaeger UI JSON trace exports incrementally, decoding one
// span at a time instead of materializing the whole document.
type Reader struct {
	log *slog.Logger
}

func NewReader(log *slog.Logger) *Reader {
	return &Reader{log: log}
}

// ReadFile reads the trace at path. Files that are not valid UTF-8 are
// decoded through a detected legacy charset (Latin-1 family) instead of
// being rejected.
func (r *Reader) ReadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sniff := make([]byte, sniffLen)
	n, err := io.ReadFull(f, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	sniffed := sniff[:n]
	if n == sniffLen {
		// The file continues past the window; a multi-byte rune cut at the
		// boundary must not make valid UTF-8 look like a legacy charset.
		sniffed = trimPartialRune(sniffed)
	}
	enc := detectEncoding(sniffed, r.log)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var in io.Reader = f
	if enc != nil {
		in = enc.NewDecoder().Reader(f)
	}
	return r.Read(in)
}

// detectEncoding returns a legacy decoder when the content is not valid
// UTF-8, or nil when the bytes can be consumed directly.
func detectEncoding(sniff []byte, log *slog.Logger) encoding.Encoding {
	if utf8.Valid(sniff) {
		return nil
	}
	best, err := chardet.NewTextDetector().DetectBest(sniff)
	if err == nil && best.Charset == "windows-1252" {
		log.Info("trace file is not UTF-8, decoding as windows-1252")
		return charmap.Windows1252
	}
	log.Info("trace file is not UTF-8, decoding as Latin-1")
	return charmap.ISO8859_1
}

// trimPartialRune drops a trailing incomplete multi-byte sequence from the
// window so only whole runes reach validation.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			break
		}
		if c&0xC0 == 0x80 {
			// continuation byte, keep looking for the lead
			continue
		}
		if _, size := utf8.DecodeRune(b[len(b)-i:]); size == 1 {
			return b[:len(b)-i]
		}
		break
	}
	return b
}

// wireSpan mirrors Span with optional numeric fields so that spans missing
// a start time or duration can be told apart from spans starting at zero.
type wireSpan struct {
	TraceID       string      `json:"traceID"`
	SpanID        string      `json:"spanID"`
	OperationName string      `json:"operationName"`
	References    []Reference `json:"references"`
	StartTime     *int64      `json:"startTime"`
	Duration      *int64      `json:"duration"`
	Tags          []KeyValue  `json:"tags"`
	ProcessID     string      `json:"processID"`
	Warnings      []string    `json:"warnings"`
}

// Read parses one trace from the stream. When the export contains several
// traces only the first is analyzed; the rest are skipped with a warning,
// since cross-trace correlation is out of scope.
func (r *Reader) Read(in io.Reader) (*Trace, error) {
	dec := json.NewDecoder(in)

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("reading trace envelope: %w", err)
	}

	var trace *Trace
	skipped := 0
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		if key != "data" {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}
		if err := expectDelim(dec, '['); err != nil {
			return nil, fmt.Errorf("reading data array: %w", err)
		}
		for dec.More() {
			t, err := r.readTrace(dec)
			if err != nil {
				return nil, err
			}
			if trace == nil {
				trace = t
			} else {
				skipped++
			}
		}
		if err := expectDelim(dec, ']'); err != nil {
			return nil, err
		}
	}

	if skipped > 0 {
		r.log.Warn("trace file contains multiple traces, analyzing the first only", "skipped", skipped)
	}
	if trace == nil || trace.TraceID == "" {
		return nil, ErrNoTraceID
	}
	if len(trace.Spans) == 0 {
		return nil, ErrNoSpans
	}
	return trace, nil
}

// readTrace consumes one element of the data array, streaming the spans
// array one span at a time.
func (r *Reader) readTrace(dec *json.Decoder) (*Trace, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("reading trace object: %w", err)
	}
	t := &Trace{Processes: map[string]Process{}}
	dropped := 0
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "traceID":
			if err := dec.Decode(&t.TraceID); err != nil {
				return nil, fmt.Errorf("reading traceID: %w", err)
			}
		case "spans":
			if err := expectDelim(dec, '['); err != nil {
				return nil, fmt.Errorf("reading spans array: %w", err)
			}
			for dec.More() {
				var w wireSpan
				if err := dec.Decode(&w); err != nil {
					return nil, fmt.Errorf("reading span: %w", err)
				}
				s, ok := validateSpan(w)
				if !ok {
					dropped++
					continue
				}
				t.Spans = append(t.Spans, s)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, err
			}
		case "processes":
			if err := dec.Decode(&t.Processes); err != nil {
				return nil, fmt.Errorf("reading process table: %w", err)
			}
		case "warnings":
			if err := dec.Decode(&t.Warnings); err != nil {
				return nil, fmt.Errorf("reading warnings: %w", err)
			}
		default:
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if dropped > 0 {
		r.log.Warn("dropped malformed spans", "trace", t.TraceID, "count", dropped)
	}
	r.log.Info("trace read", "trace", t.TraceID, "spans", len(t.Spans), "processes", len(t.Processes))
	return t, nil
}

// validateSpan enforces the ingestion contract: identity, start time and
// duration must all be present.
func validateSpan(w wireSpan) (*Span, bool) {
	if w.SpanID == "" || w.StartTime == nil || w.Duration == nil {
		return nil, false
	}
	s := &Span{
		TraceID:       w.TraceID,
		SpanID:        w.SpanID,
		OperationName: w.OperationName,
		References:    w.References,
		StartTime:     *w.StartTime,
		Duration:      *w.Duration,
		Tags:          w.Tags,
		ProcessID:     w.ProcessID,
		Warnings:      w.Warnings,
	}
	s.RebuildTagMap()
	return s, true
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return s, nil
}

// skipValue consumes one whole JSON value without retaining it.
func skipValue(dec *json.Decoder) error {
	var ignore json.RawMessage
	return dec.Decode(&ignore)
}

// stringValue flattens a JSON tag value to the string form used throughout
// comparison and reporting.
func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
