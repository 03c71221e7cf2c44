package store

import (
	"encoding/json"
	"fmt"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// The SQL adapters persist match criteria, action params, and audit
// details as canonical JSON strings; the scope hash lives in its own
// indexed column.

func marshalCriteria(m domain.MatchCriteria) (string, error) {
	n, err := m.Normalize()
	if err != nil {
		return "", fmt.Errorf("normalizing criteria: %w", err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encoding criteria: %w", err)
	}
	return string(b), nil
}

func unmarshalCriteria(s string) (domain.MatchCriteria, error) {
	var m domain.MatchCriteria
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return domain.MatchCriteria{}, fmt.Errorf("decoding criteria: %w", err)
	}
	return m, nil
}

func marshalParams(p domain.ActionParams) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding action params: %w", err)
	}
	return string(b), nil
}

func unmarshalParams(s string) (domain.ActionParams, error) {
	var p domain.ActionParams
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return domain.ActionParams{}, fmt.Errorf("decoding action params: %w", err)
	}
	return p, nil
}

func marshalDetails(d map[string]any) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding audit details: %w", err)
	}
	return string(b), nil
}

func unmarshalDetails(s string) map[string]any {
	var d map[string]any
	if json.Unmarshal([]byte(s), &d) != nil {
		return map[string]any{}
	}
	return d
}
