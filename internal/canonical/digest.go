package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestSize is the length of a hex-encoded digest.
const DigestSize = sha256.Size * 2

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithDomain hashes data under a domain separation prefix:
// SHA256(domain || 0x00 || data). The separator keeps a digest computed for
// one purpose from ever colliding with one computed for another.
func DigestWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and returns its digest.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Digest(data), nil
}

// IsDigest reports whether s looks like a value produced by Digest.
func IsDigest(s string) bool {
	if len(s) != DigestSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
