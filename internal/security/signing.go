// Package security holds the ed25519 keys that sign ledger blocks. Keys are
// stored as single-line hex files: signing.key (private, 0600) and
// signing.pub (public).
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PrivateKeyFile = "signing.key"
	PublicKeyFile  = "signing.pub"
)

// ErrKeyExists is returned by WriteKeyPair when it would replace a key.
var ErrKeyExists = errors.New("security: signing key already exists")

// KeyPaths returns where a key pair lives inside dir.
func KeyPaths(dir string) (priv, pub string) {
	return filepath.Join(dir, PrivateKeyFile), filepath.Join(dir, PublicKeyFile)
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// WriteKeyPair stores priv and its public half in dir. An existing private
// key is never overwritten.
func WriteKeyPair(dir string, priv ed25519.PrivateKey) (privPath, pubPath string, err error) {
	privPath, pubPath = KeyPaths(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", err
	}
	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return "", "", fmt.Errorf("%w: %s", ErrKeyExists, privPath)
	}
	if err != nil {
		return "", "", err
	}
	if _, err := f.WriteString(hex.EncodeToString(priv) + "\n"); err != nil {
		f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(pubPath, []byte(PublicKeyHex(priv)+"\n"), 0644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

// LoadPrivateKey reads a hex private key. A 32-byte seed is accepted too.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readHex(path)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}
	return nil, fmt.Errorf("security: %s: invalid private key size %d", path, len(raw))
}

// LoadPublicKey reads a hex public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("security: %s: invalid public key size %d", path, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func PublicKeyHex(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// Fingerprint is a short display form of a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)[:16]
}

// SignHash signs a block hash and returns the hex signature.
func SignHash(priv ed25519.PrivateKey, hash string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(hash)))
}

// VerifyHash reports whether sigHex is pub's signature of hash.
func VerifyHash(pub ed25519.PublicKey, hash, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("security: malformed signature: %w", err)
	}
	return ed25519.Verify(pub, []byte(hash), sig), nil
}

// ParsePublicKey decodes a hex public key as embedded in ledger blocks.
func ParsePublicKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("security: malformed public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("security: invalid public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(data)))
}
