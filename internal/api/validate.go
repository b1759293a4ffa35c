package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	errPayloadNotObject = errors.New("payload must be a JSON object")
	errPayloadTooLarge  = errors.New("payload too large")
	errPayloadTooDeep   = errors.New("payload nesting too deep")
)

// validatePayload bounds the caller-supplied payload before it enters the
// pipeline: it must be a JSON object within the configured size and nesting
// depth. The raw bytes are otherwise passed through untouched so the caller's
// field order survives encryption.
func validatePayload(data json.RawMessage, maxBytes int64, maxDepth int) error {
	if int64(len(data)) > maxBytes {
		return errPayloadTooLarge
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errPayloadNotObject
	}

	depth := 1
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return errPayloadTooDeep
				}
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
