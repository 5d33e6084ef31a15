package apiutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexStringUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"quoted string", `"12345"`, "12345", false},
		{"integer", `12345`, "12345", false},
		{"large integer", `123456789012345678`, "123456789012345678", false},
		{"null", `null`, "", false},
		{"empty string", `""`, "", false},
		{"object", `{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexString
			err := json.Unmarshal([]byte(tt.in), &f)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.String())
		})
	}
}

func TestFlexStringInStruct(t *testing.T) {
	type payload struct {
		PlaceID FlexString `json:"placeid"`
	}

	var quoted, numeric payload
	require.NoError(t, json.Unmarshal([]byte(`{"placeid":"987"}`), &quoted))
	require.NoError(t, json.Unmarshal([]byte(`{"placeid":987}`), &numeric))
	assert.Equal(t, quoted.PlaceID, numeric.PlaceID)

	out, err := json.Marshal(numeric)
	require.NoError(t, err)
	assert.JSONEq(t, `{"placeid":"987"}`, string(out))
}
