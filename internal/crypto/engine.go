package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceLength is the nonce size shared by both supported AEADs (96 bits).
const NonceLength = 12

// Algorithm selects the AEAD construction used to seal payloads.
type Algorithm string

const (
	// AlgorithmAuto picks AES-256-GCM when the CPU has AES instructions and
	// ChaCha20-Poly1305 otherwise.
	AlgorithmAuto Algorithm = "auto"
	// AlgorithmAESGCM is AES-256-GCM.
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
	// AlgorithmChaCha20Poly1305 is ChaCha20-Poly1305.
	AlgorithmChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

var (
	// ErrAuthenticationFailed is returned by Open when the authentication tag
	// does not verify. Tampering and corruption are indistinguishable on
	// purpose; no partial plaintext is ever returned.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrEncryptionFailure is returned when a seal operation cannot complete,
	// for example because the entropy source failed. Rare, and fatal only to
	// the request that hit it.
	ErrEncryptionFailure = errors.New("encryption failure")
)

// Engine performs authenticated encryption of payloads with keys supplied by
// the KeyManager. It is stateless apart from the chosen algorithm and safe
// for concurrent use; every Seal consumes a fresh random nonce.
type Engine struct {
	alg Algorithm
}

// NewEngine creates an Engine for the given algorithm. AlgorithmAuto resolves
// against the CPU feature set at construction time.
func NewEngine(alg Algorithm) (*Engine, error) {
	switch alg {
	case AlgorithmAuto:
		return &Engine{alg: DefaultAlgorithm()}, nil
	case AlgorithmAESGCM, AlgorithmChaCha20Poly1305:
		return &Engine{alg: alg}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// Algorithm returns the resolved AEAD algorithm.
func (e *Engine) Algorithm() Algorithm {
	return e.alg
}

// Seal encrypts plaintext under key with a freshly generated random nonce.
// aad is authenticated but not encrypted; binding the application identifier
// here means a ciphertext paired with the wrong identifier fails to open.
// The returned ciphertext has the authentication tag appended.
func (e *Engine) Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := e.newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce generation: %v", ErrEncryptionFailure, err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and verifies a sealed payload. Any tag mismatch, including a
// wrong key, wrong nonce or mismatched aad, yields ErrAuthenticationFailed.
func (e *Engine) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := e.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func (e *Engine) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrEncryptionFailure, KeyLength)
	}
	switch e.alg {
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		return aead, nil
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		return aead, nil
	}
}
