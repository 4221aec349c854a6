package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/provtrail/provtrail/internal/canonical"
)

// sealDomain separates seal signatures from any other use of the key.
const sealDomain = "provtrail/seal/v1"

// Seal is a signed checkpoint over one audit entry: it commits the signer
// to the chain having at least Index+1 entries with the given tail hash.
// A bare hash chain cannot reveal truncation of its tail; a seal can.
type Seal struct {
	Index       int       `json:"index"`
	EntryHash   string    `json:"entry_hash"`
	SealedAt    time.Time `json:"sealed_at"`
	Signer      string    `json:"signer"`
	Fingerprint string    `json:"fingerprint"`
	Signature   string    `json:"signature"`
}

func (s Seal) payload() ([]byte, error) {
	data, err := canonical.Marshal(map[string]any{
		"index":      s.Index,
		"entry_hash": s.EntryHash,
		"sealed_at":  s.SealedAt,
		"signer":     s.Signer,
	})
	if err != nil {
		return nil, err
	}
	return []byte(canonical.DigestWithDomain(sealDomain, data)), nil
}

// NewSeal signs a checkpoint for the entry at index with hash entryHash.
func NewSeal(kp *Keypair, index int, entryHash string, now time.Time) (Seal, error) {
	if index < 0 {
		return Seal{}, fmt.Errorf("cannot seal an empty chain")
	}
	if !canonical.IsDigest(entryHash) {
		return Seal{}, fmt.Errorf("entry hash %q is not a digest", entryHash)
	}
	s := Seal{
		Index:       index,
		EntryHash:   entryHash,
		SealedAt:    now.UTC().Round(0),
		Signer:      kp.Name,
		Fingerprint: Fingerprint(kp.PublicKey),
	}
	p, err := s.payload()
	if err != nil {
		return Seal{}, fmt.Errorf("building seal payload: %w", err)
	}
	s.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(kp.PrivateKey, p))
	return s, nil
}

// VerifySignature checks s against pub.
func VerifySignature(pub ed25519.PublicKey, s Seal) error {
	sig, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %w", err)
	}
	p, err := s.payload()
	if err != nil {
		return fmt.Errorf("building seal payload: %w", err)
	}
	if !ed25519.Verify(pub, p, sig) {
		return fmt.Errorf("signature verification failed")
	}
	if s.Fingerprint != "" && s.Fingerprint != Fingerprint(pub) {
		return fmt.Errorf("fingerprint %s does not match key %s", s.Fingerprint, Fingerprint(pub))
	}
	return nil
}

// Seal finding reasons.
const (
	SealUnknownSigner = "unknown_signer"
	SealBadSignature  = "bad_signature"
	SealMissingEntry  = "missing_entry"
	SealHashMismatch  = "hash_mismatch"
)

// SealFinding is one seal that does not hold for the current chain.
type SealFinding struct {
	Seal   int    `json:"seal"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// CheckSeals verifies every seal's signature against keys and confirms the
// sealed entry still exists with the sealed hash. entryHashes holds the
// stored entry_hash of each chain entry in order.
func CheckSeals(seals []Seal, entryHashes []string, keys *KeyStore) []SealFinding {
	findings := []SealFinding{}
	for i, s := range seals {
		pub, ok := keys.Get(s.Signer)
		if !ok {
			findings = append(findings, SealFinding{Seal: i, Index: s.Index, Reason: SealUnknownSigner,
				Detail: fmt.Sprintf("no trusted key for signer %q", s.Signer)})
			continue
		}
		if err := VerifySignature(pub, s); err != nil {
			findings = append(findings, SealFinding{Seal: i, Index: s.Index, Reason: SealBadSignature, Detail: err.Error()})
			continue
		}
		switch {
		case s.Index >= len(entryHashes):
			findings = append(findings, SealFinding{Seal: i, Index: s.Index, Reason: SealMissingEntry,
				Detail: fmt.Sprintf("chain has %d entries, seal covers %d", len(entryHashes), s.Index+1)})
		case entryHashes[s.Index] != s.EntryHash:
			findings = append(findings, SealFinding{Seal: i, Index: s.Index, Reason: SealHashMismatch,
				Detail: fmt.Sprintf("sealed %s, chain has %s", s.EntryHash, entryHashes[s.Index])})
		}
	}
	return findings
}
