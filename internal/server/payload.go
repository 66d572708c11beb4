package server

import "encoding/json"

// optionalReference records whether a nullable id was present in a request body.
type optionalReference struct {
	Set   bool
	Value *string
}

func (reference *optionalReference) UnmarshalJSON(data []byte) error {
	reference.Set = true
	if string(data) == "null" {
		reference.Value = nil
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	reference.Value = &value
	return nil
}
