package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer signs URL payloads on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with a service account private key loaded from its JSON key file.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySignerFromJSON parses a service account key file body.
func NewKeySignerFromJSON(data []byte) (*KeySigner, error) {
	var file struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	email := strings.TrimSpace(file.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: client_email missing in service account key")
	}
	key, err := parsePrivateKey(file.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: key}, nil
}

// NewKeySignerFromFile reads and parses a service account key file.
func NewKeySignerFromFile(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account key: %w", err)
	}
	return NewKeySignerFromJSON(data)
}

func (s *KeySigner) Email() string { return s.email }

// SignBytes produces an RSA-SHA256 PKCS#1 v1.5 signature.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func parsePrivateKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(data)))
	if block == nil {
		return nil, errors.New("storage: private_key is not PEM encoded")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse private key: %w", err)
	}
	return key, nil
}
