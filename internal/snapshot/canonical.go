package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Serialise produces the canonical JSON form of a snapshot.
//
// This is the ONLY serialization used for checksums, persisted payloads and
// no-op write suppression. Properties:
//
//  1. Object keys sorted bytewise
//  2. No HTML escaping (< > & are written literally)
//  3. Strings NFC normalized
//  4. Non-finite numbers mapped to null
//  5. Opaque history payloads re-encoded structurally, so whitespace and key
//     order differences in caller-supplied payloads do not break determinism
func Serialise(s *Snapshot) (string, error) {
	data, err := json.Marshal(sanitise(s))
	if err != nil {
		return "", fmt.Errorf("serialise snapshot: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("serialise snapshot: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return "", fmt.Errorf("serialise snapshot: %w", err)
	}
	return buf.String(), nil
}

// sanitise returns a shallow copy with the dynamic sub-trees (filter values,
// audit metadata, history payloads) made safe for encoding/json: non-finite
// floats become nil and malformed opaque payloads become JSON null.
func sanitise(s *Snapshot) *Snapshot {
	c := *s
	if s.Settings.Filters != nil {
		c.Settings.Filters = sanitiseMap(s.Settings.Filters)
	}
	if len(s.Audit) > 0 {
		audit := make([]AuditEntry, len(s.Audit))
		copy(audit, s.Audit)
		for i := range audit {
			if audit[i].Metadata != nil {
				audit[i].Metadata = sanitiseMap(audit[i].Metadata)
			}
		}
		c.Audit = audit
	}
	if len(s.History) > 0 {
		history := make([]HistoryEntry, len(s.History))
		copy(history, s.History)
		for i := range history {
			if len(history[i].Snapshot) == 0 || !json.Valid(history[i].Snapshot) {
				history[i].Snapshot = json.RawMessage("null")
			}
		}
		c.History = history
	}
	return &c
}

func sanitiseMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitiseValue(v)
	}
	return out
}

func sanitiseValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		return sanitiseValue(float64(val))
	case map[string]any:
		return sanitiseMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitiseValue(item)
		}
		return out
	default:
		return v
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("value for key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// writeCanonicalString writes a JSON string with NFC normalization and HTML
// escaping disabled, so < > & survive byte-identically across environments.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	out := tmp.Bytes()
	// json.Encoder appends a trailing newline.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	buf.Write(out)
	return nil
}
