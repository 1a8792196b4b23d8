package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores a JSON object in a JSONB column. Numbers are decoded as
// json.Number so integers beyond 2^53 keep every digit.
type JSONMap map[string]any

// Value serializes the map to JSON. A nil map is stored as NULL.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	raw, err := json.Marshal(map[string]any(j))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan decodes JSONB into the map.
func (j *JSONMap) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*j = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded map[string]any
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	*j = decoded
	return nil
}
