package postgres

import (
	"encoding/json"
	"fmt"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// marshalJSONB converts a value to JSONB bytes, mapping nil maps to SQL NULL.
func marshalJSONB(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return data, nil
}

// unmarshalJSONB decodes JSONB bytes into a map, leaving nil for SQL NULL.
func unmarshalJSONB(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return m, nil
}
