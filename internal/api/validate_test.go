package api

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"flat object", `{"title_2":"Hello World","body_2":"Hello body","userId":1}`, nil},
		{"empty object", `{}`, nil},
		{"nested object", `{"a":{"b":{"c":[1,2,3]}}}`, nil},
		{"array", `[1,2,3]`, errPayloadNotObject},
		{"string", `"hello"`, errPayloadNotObject},
		{"number", `42`, errPayloadNotObject},
		{"null", `null`, errPayloadNotObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload(json.RawMessage(tt.payload), 1024, 8)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload_Truncated(t *testing.T) {
	err := validatePayload(json.RawMessage(`{"a":`), 1024, 8)
	require.Error(t, err)
}

func TestValidatePayload_SizeBound(t *testing.T) {
	payload := json.RawMessage(`{"k":"` + strings.Repeat("x", 100) + `"}`)
	require.NoError(t, validatePayload(payload, int64(len(payload)), 8))
	require.ErrorIs(t, validatePayload(payload, int64(len(payload))-1, 8), errPayloadTooLarge)
}

func TestValidatePayload_DepthBound(t *testing.T) {
	// {"a":{"a":{"a":1}}} has depth 3.
	nested := strings.Repeat(`{"a":`, 6) + `1` + strings.Repeat(`}`, 6)
	require.NoError(t, validatePayload(json.RawMessage(nested), 1024, 6))
	require.ErrorIs(t, validatePayload(json.RawMessage(nested), 1024, 5), errPayloadTooDeep)

	// Arrays count toward nesting too.
	require.ErrorIs(t, validatePayload(json.RawMessage(`{"a":[[[1]]]}`), 1024, 3), errPayloadTooDeep)
}
