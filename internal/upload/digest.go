package upload

import (
	"encoding/hex"
	"strings"

	"github.com/filevault/filevault/internal/vault"
)

// Digest algorithms understood in an expected digest.
const (
	AlgoSHA256 = "sha256"
	AlgoXXH64  = "xxh64"
)

// Digest is a parsed "algo:hex" content digest.
type Digest struct {
	Algo string
	Hex  string
}

func (d Digest) String() string {
	return d.Algo + ":" + d.Hex
}

// ParseDigest accepts "sha256:<hex>", "xxh64:<hex>" or a bare SHA-256 hex string.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	algo, value, found := strings.Cut(s, ":")
	if !found {
		algo, value = AlgoSHA256, s
	}
	algo = strings.ToLower(algo)
	value = strings.ToLower(value)

	var wantLen int
	switch algo {
	case AlgoSHA256:
		wantLen = 64
	case AlgoXXH64:
		wantLen = 16
	default:
		return Digest{}, vault.Validationf("unsupported digest algorithm %q", algo)
	}
	if len(value) != wantLen {
		return Digest{}, vault.Validationf("%s digest must be %d hex characters", algo, wantLen)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return Digest{}, vault.Validationf("digest is not hex: %q", value)
	}
	return Digest{Algo: algo, Hex: value}, nil
}

// Matches compares d with the digests computed during a merge.
func (d Digest) Matches(strong, fast string) bool {
	switch d.Algo {
	case AlgoSHA256:
		return d.String() == strong
	case AlgoXXH64:
		return d.String() == fast
	}
	return false
}
