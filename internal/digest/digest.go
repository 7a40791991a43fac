// Package digest computes and verifies tagged content digests of the form
// "<algorithm>:<hex>". BLAKE3-256 is the only algorithm produced; the tag
// keeps stored checksums self-describing.
package digest

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm is the tag written in front of every digest.
const Algorithm = "blake3"

// Size is the digest length in bytes.
const Size = 32

// Digest is a tagged hex digest, e.g. "blake3:af13...".
type Digest string

// Sum returns the BLAKE3-256 digest of data.
func Sum(data []byte) Digest {
	sum := blake3.Sum256(data)
	return Digest(Algorithm + ":" + hex.EncodeToString(sum[:]))
}

// SumParts hashes parts separated by a length prefix so that
// ("ab","c") and ("a","bc") never collide.
func SumParts(parts ...[]byte) Digest {
	h := blake3.New()
	var lenbuf [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range lenbuf {
			lenbuf[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(lenbuf[:])
		_, _ = h.Write(p)
	}
	return Digest(Algorithm + ":" + hex.EncodeToString(h.Sum(nil)))
}

// String implements fmt.Stringer.
func (d Digest) String() string { return string(d) }

// Hex returns the hex part without the algorithm tag.
func (d Digest) Hex() string {
	_, h, _ := strings.Cut(string(d), ":")
	return h
}

// Parse validates a tagged digest string.
func Parse(s string) (Digest, error) {
	alg, h, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("digest %q: missing algorithm tag", s)
	}
	if alg != Algorithm {
		return "", fmt.Errorf("digest %q: unsupported algorithm %q", s, alg)
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("digest %q: %w", s, err)
	}
	if len(raw) != Size {
		return "", fmt.Errorf("digest %q: want %d bytes, got %d", s, Size, len(raw))
	}
	return Digest(alg + ":" + strings.ToLower(h)), nil
}

// Verify reports whether data hashes to want.
func Verify(data []byte, want Digest) bool {
	got := Sum(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(string(want)))) == 1
}
