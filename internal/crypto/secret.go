package crypto

import (
	"encoding/base64"
	"fmt"
)

// DecodeMasterSecret decodes the provisioned base64 master secret and checks
// its length. Every secret source (inline config, secret file, rotation
// reload) goes through this single parsing path.
func DecodeMasterSecret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("master secret is not valid base64: %w", err)
	}
	if len(secret) != KeyLength {
		return nil, fmt.Errorf("master secret must decode to %d bytes, got %d", KeyLength, len(secret))
	}
	return secret, nil
}
