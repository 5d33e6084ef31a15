// Package apiutil holds small helpers shared by the HTTP handler packages.
package apiutil

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexString is a string that also accepts a JSON number on the wire. Issuing
// tooling has historically sent place IDs both quoted and unquoted; records
// always store the canonical string form.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(f))), nil
}

// String returns the canonical string form.
func (f FlexString) String() string {
	return string(f)
}
