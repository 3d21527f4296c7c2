package models

import (
	"encoding/json"
	"fmt"
)

// SubOperation is one entry of a composite command's ordered operation list.
type SubOperation struct {
	Operation  string         `json:"operation"`
	Skip       bool           `json:"@skip,omitempty"`
	BestEffort bool           `json:"@bestEffort,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// UnmarshalJSON accepts both the "@skip"/"@bestEffort" and the bare "skip"/"bestEffort"
// spellings; the "@" form wins when both are present.
func (s *SubOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Operation    string         `json:"operation"`
		AtSkip       *bool          `json:"@skip"`
		Skip         *bool          `json:"skip"`
		AtBestEffort *bool          `json:"@bestEffort"`
		BestEffort   *bool          `json:"bestEffort"`
		Payload      map[string]any `json:"payload"`
		Result       map[string]any `json:"result"`
	}

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	*s = SubOperation{
		Operation:  raw.Operation,
		Skip:       firstBool(raw.AtSkip, raw.Skip),
		BestEffort: firstBool(raw.AtBestEffort, raw.BestEffort),
		Payload:    raw.Payload,
		Result:     raw.Result,
	}

	return nil
}

func firstBool(values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}

	return false
}

// SubOperations decodes the composite operation list of the command.
func (c *Command) SubOperations() ([]SubOperation, error) {
	raw, ok := c.Payload[FieldOperations]
	if !ok {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	var ops []SubOperation

	err = json.Unmarshal(data, &ops)
	if err != nil {
		return nil, fmt.Errorf("%w: operations: %w", ErrMalformedPayload, err)
	}

	return ops, nil
}

// SetSubOperations stores ops back into the payload in their generic JSON form.
func (c *Command) SetSubOperations(ops []SubOperation) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}

	var generic []any

	err = json.Unmarshal(data, &generic)
	if err != nil {
		return err
	}

	c.Payload[FieldOperations] = generic

	return nil
}
