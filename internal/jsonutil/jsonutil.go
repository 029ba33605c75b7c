// Package jsonutil provides the strict JSON decoding used for all
// peer-supplied payloads.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeStrict decodes data into out, rejecting trailing input. Unknown
// fields are tolerated so payloads from newer peers still decode.
func DecodeStrict(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty JSON input")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("trailing JSON input is not allowed")
	}
	return nil
}

// DecodeExact is DecodeStrict with unknown fields rejected, for payloads the
// local side fully owns (persisted records, config files).
func DecodeExact(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty JSON input")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("trailing JSON input is not allowed")
	}
	return nil
}
