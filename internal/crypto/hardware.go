package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport checks if the CPU supports AES hardware acceleration.
// This uses CPU feature detection available in golang.org/x/sys/cpu.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// DefaultAlgorithm returns the AEAD used when the configuration says "auto":
// AES-256-GCM where the CPU accelerates it, ChaCha20-Poly1305 everywhere else.
func DefaultAlgorithm() Algorithm {
	if HasAESHardwareSupport() {
		return AlgorithmAESGCM
	}
	return AlgorithmChaCha20Poly1305
}
