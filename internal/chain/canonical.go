package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// CanonicalJSON encodes v deterministically: object keys sorted, numbers in
// shortest decimal form, nulls and empty containers dropped from objects,
// no HTML escaping and no insignificant whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	normalized, err := canonicalize(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			normalized, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			if isAbsent(normalized) {
				continue
			}
			out[k] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			normalized, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return nil, fmt.Errorf("canonical number %q: %w", val, err)
		}
		return json.Number(d.String()), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("canonical number %v is not finite", val)
		}
		return json.Number(decimal.NewFromFloat(val).String()), nil
	default:
		return v, nil
	}
}

// isAbsent treats null, [] and {} as an omitted optional field.
func isAbsent(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
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
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return writeScalar(buf, val)
	}
}

func writeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode canonical: %w", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
