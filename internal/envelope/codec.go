package envelope

import (
	"fmt"

	"github.com/mattjoyce/journeyman/internal/codec"
)

// EncodeParams serializes constructor parameters in order, failing on the
// first value that cannot be encoded. The failing parameter is identified
// by index so the caller can report exactly which argument was bad.
func EncodeParams(actionType string, params []any) ([]codec.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	encoded := make([]codec.RawMessage, len(params))
	for i, p := range params {
		raw, err := codec.Marshal(p)
		if err != nil {
			return nil, &ParameterError{ActionType: actionType, Index: i, Err: err}
		}
		encoded[i] = raw
	}
	return encoded, nil
}

// DecodeParam decodes a single encoded parameter into v.
func DecodeParam(raw codec.RawMessage, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode parameter: %w", err)
	}
	return nil
}
