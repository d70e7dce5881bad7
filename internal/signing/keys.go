// Package signing holds the agent's Ed25519 key lifecycle. The keypair is
// generated on first startup and persisted to disk so the same key signs
// evidence across restarts; the private key never leaves the process after
// load.
//
// Signatures cover the canonical JSON form of the payload and are encoded
// base64url without padding.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/meridian/internal/canonical"
)

var (
	// ErrKeyIO is returned when key material cannot be read or written.
	ErrKeyIO = errors.New("signing: key file I/O failed")

	// ErrKeyFormat is returned when a persisted key is not a valid
	// unencrypted PKCS8 Ed25519 PEM.
	ErrKeyFormat = errors.New("signing: malformed key file")
)

// KeyPair is an Ed25519 keypair used for all evidence, claim, and envelope
// signatures produced by one agent process.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate: %w", err)
	}
	return &KeyPair{private: priv, public: pub}, nil
}

// LoadOrGenerate loads the keypair from privatePath if it exists, otherwise
// generates a new pair and writes both halves (PKCS8 PEM private,
// SubjectPublicKeyInfo PEM public). Parent directories are created as needed.
func LoadOrGenerate(privatePath, publicPath string) (*KeyPair, error) {
	if _, err := os.Stat(privatePath); err == nil {
		return loadPrivate(privatePath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrKeyIO, privatePath, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.persist(privatePath, publicPath); err != nil {
		return nil, err
	}
	return kp, nil
}

func loadPrivate(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyIO, path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: %s is not a PRIVATE KEY PEM", ErrKeyFormat, path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyFormat, path, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not contain an Ed25519 key", ErrKeyFormat, path)
	}
	return &KeyPair{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

func (kp *KeyPair) persist(privatePath, publicPath string) error {
	for _, p := range []string{privatePath, publicPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", ErrKeyIO, dir, err)
			}
		}
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(kp.private)
	if err != nil {
		return fmt.Errorf("%w: encode private key: %v", ErrKeyFormat, err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrKeyIO, privatePath, err)
	}

	pubPEM, err := kp.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(publicPath, []byte(pubPEM), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrKeyIO, publicPath, err)
	}
	return nil
}

// Sign returns the base64url (no padding) Ed25519 signature over the
// canonical JSON form of v.
func (kp *KeyPair) Sign(v any) (string, error) {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig := ed25519.Sign(kp.private, msg)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of v under this
// keypair's public key. Any decode or canonicalization failure is false.
func (kp *KeyPair) Verify(v any, signature string) bool {
	return VerifyWithPublicKey(kp.public, v, signature)
}

// VerifyWithPublicKey verifies v against signature using pub directly.
func VerifyWithPublicKey(pub ed25519.PublicKey, v any, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(signature, "="))
	if err != nil {
		return false
	}
	msg, err := canonical.Marshal(v)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyWithPublicKeyHex is VerifyWithPublicKey over a hex-encoded 32-byte
// raw public key, as embedded in trust envelopes.
func VerifyWithPublicKeyHex(pubHex string, v any, signature string) bool {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return false
	}
	return VerifyWithPublicKey(ed25519.PublicKey(raw), v, signature)
}

// PublicKeyHex returns the 32-byte raw public key, hex-encoded.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.public)
}

// PublicKey returns the raw Ed25519 public key.
func (kp *KeyPair) PublicKey() ed25519.PublicKey {
	return kp.public
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM encoding of the public
// key.
func (kp *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.public)
	if err != nil {
		return "", fmt.Errorf("%w: encode public key: %v", ErrKeyFormat, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
