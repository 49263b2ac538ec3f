package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/busprobe/internal/ir"
)

// marshalArgs converts event args to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalArgs(args []any) (string, error) {
	v, err := ir.FromGo(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(data), nil
}

// unmarshalArgs parses stored args back into an IRArray.
func unmarshalArgs(s string) (ir.IRValue, error) {
	v, err := ir.UnmarshalIRValue([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if _, ok := v.(ir.IRArray); !ok {
		return nil, fmt.Errorf("unmarshal args: expected array, got %T", v)
	}
	return v, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(s string) ([]string, error) {
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return ss, nil
}
