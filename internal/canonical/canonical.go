// Package canonical produces deterministic JSON used as the sole input to
// every hash and signature in Meridian.
//
// Canonical form:
//   - object keys sorted lexicographically at every nesting level
//   - no whitespace outside string literals
//   - "," between items, ":" between key and value
//   - timestamps rendered as ISO-8601 UTC strings
//
// A round-trip of canonical → parse → canonical is bit-identical.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// TimestampFormat is the ISO-8601 UTC layout used for every timestamp that
// enters a signed payload.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp renders t in the canonical ISO-8601 UTC form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Marshal returns the canonical JSON bytes for v.
func Marshal(v any) ([]byte, error) {
	tree, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalize converts v into a tree of nil, bool, string, json.Number,
// []any, and map[string]any. Structs and unknown types are routed through
// encoding/json so their tags apply; numbers survive as json.Number so the
// textual form is preserved exactly across round-trips.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return t, nil
	case time.Time:
		return Timestamp(t), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return Timestamp(*t), nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("canonical: non-finite number %v", t)
		}
		// Format through encoding/json so the textual form is identical to
		// what a stored document parses back to.
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		return json.Number(b), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		// Structs, typed maps, typed slices: let encoding/json apply the
		// declared tags, then re-read with numbers preserved.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var tree any
		if err := dec.Decode(&tree); err != nil {
			return nil, fmt.Errorf("canonical: %w", err)
		}
		return normalize(tree)
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(t))
	case string:
		return encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// encodeString writes a JSON string literal without HTML escaping, so that
// the bytes match across encoders and languages.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: %w", err)
	}
	b := tmp.Bytes()
	// Encoder appends a trailing newline.
	buf.Write(bytes.TrimRight(b, "\n"))
	return nil
}
