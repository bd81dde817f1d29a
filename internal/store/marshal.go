package store

import (
	"encoding/json"
	"fmt"
)

// marshalErrors converts a run's error list to JSON TEXT for storage.
func marshalErrors(errs []string) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return string(data), nil
}

// unmarshalErrors parses JSON TEXT to a run's error list.
func unmarshalErrors(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var errs []string
	if err := json.Unmarshal([]byte(data), &errs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return errs, nil
}

// payloadText returns the TEXT stored for an event payload.
func payloadText(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
