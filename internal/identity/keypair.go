// Package identity manages the Ed25519 keys that sign audit chain seals.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/provtrail/provtrail/internal/safefile"
)

const (
	privateKeyType = "PROVTRAIL ED25519 PRIVATE KEY"
	publicKeyType  = "PROVTRAIL ED25519 PUBLIC KEY"
	maxKeyFile     = 64 * 1024
)

var signerName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidName reports whether name is usable as a signer (and key file) name.
func ValidName(name string) bool {
	return signerName.MatchString(name) && !strings.Contains(name, "..")
}

// Keypair is a named Ed25519 signing key.
type Keypair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair creates a new key pair for the named signer.
func GenerateKeypair(name string) (*Keypair, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid signer name %q", name)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes <dir>/<name>.key (0600) and <dir>/<name>.pub (0644).
// Existing files are not overwritten.
func (kp *Keypair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}
	privPath := filepath.Join(dir, kp.Name+".key")
	pubPath := filepath.Join(dir, kp.Name+".pub")
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Lstat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		}
	}

	priv := pem.EncodeToMemory(&pem.Block{Type: privateKeyType, Bytes: kp.PrivateKey})
	if err := writeExclusive(privPath, priv, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: kp.PublicKey})
	if err := writeExclusive(pubPath, pub, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadKeypair loads <dir>/<name>.key. The public half is derived from it.
func LoadKeypair(dir, name string) (*Keypair, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid signer name %q", name)
	}
	path := filepath.Join(dir, name+".key")
	block, err := readPEM(path, privateKeyType)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(block) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: private key is %d bytes, want %d", path, len(block), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(block)
	return &Keypair{Name: name, PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// LoadPublicKey loads <dir>/<name>.pub.
func LoadPublicKey(dir, name string) (ed25519.PublicKey, error) {
	path := filepath.Join(dir, name+".pub")
	block, err := readPEM(path, publicKeyType)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(block) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s: public key is %d bytes, want %d", path, len(block), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(block), nil
}

func readPEM(path, wantType string) ([]byte, error) {
	data, err := safefile.ReadFileMax(path, maxKeyFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("%s: unexpected PEM type %q", path, block.Type)
	}
	return block.Bytes, nil
}

// LoadPublicKeys loads every .pub file in dir, keyed by signer name.
// Symlinks are skipped.
func LoadPublicKeys(dir string) (map[string]ed25519.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading keys directory: %w", err)
	}
	keys := make(map[string]ed25519.PublicKey)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pub" || entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".pub")
		pub, err := LoadPublicKey(dir, name)
		if err != nil {
			return nil, fmt.Errorf("loading key for %s: %w", name, err)
		}
		keys[name] = pub
	}
	return keys, nil
}

// Fingerprint returns the hex SHA-256 of a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}
