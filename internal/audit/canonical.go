package audit

import (
	"encoding/json"
	"sort"
	"strings"
)

// CanonicalJSON renders a value as JSON with object keys sorted recursively
// and no insignificant whitespace. Two computations over the same value are
// byte-identical, which is what makes the entry hashes reproducible.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through encoding/json to normalise Go types (structs,
	// time.Time, json.RawMessage) into the generic form first.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kj)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case json.Number:
		b.WriteString(t.String())
	default:
		j, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(j)
	}
	return nil
}

// hashPayload is the exact structure fed into SHA-256 for an entry.
func hashPayload(sequence int64, eventType string, eventData map[string]any, previousHash string, createdAtISO string) map[string]any {
	return map[string]any{
		"sequence_number": sequence,
		"event_type":      eventType,
		"event_data":      eventData,
		"previous_hash":   previousHash,
		"created_at":      createdAtISO,
	}
}

// stripActor returns event_data without the user_id key. Verification calls
// this before recomputing hashes; entries written before actor splicing
// existed simply have nothing to strip.
func stripActor(eventData map[string]any) map[string]any {
	if _, ok := eventData["user_id"]; !ok {
		return eventData
	}
	out := make(map[string]any, len(eventData))
	for k, v := range eventData {
		if k == "user_id" {
			continue
		}
		out[k] = v
	}
	return out
}
