package connector

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"github.com/flowmaestro/flowmaestro/fault"
)

// Sealer encrypts credential payloads with AES-256-GCM before they reach the
// store. The key is derived from the configured encryption_key setting so the
// database never holds plaintext secrets.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256 key from the encryption key string via SHA-256.
func NewSealer(encryptionKey string) (*Sealer, error) {
	if encryptionKey == "" {
		return nil, errors.New("encryption key is required")
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal serializes and encrypts a credential payload. The nonce is prepended
// to the ciphertext.
func (s *Sealer) Seal(creds Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed payload. Tampered or wrong-key payloads surface as
// auth faults.
func (s *Sealer) Open(sealed []byte) (Credentials, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fault.New(fault.KindAuth, "sealed credentials are truncated")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindAuth, err, "open sealed credentials")
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fault.Wrap(fault.KindAuth, err, "decode sealed credentials")
	}
	return creds, nil
}

// SealString encrypts a single string such as a database DSN.
func (s *Sealer) SealString(v string) ([]byte, error) {
	return s.Seal(Credentials{"value": v})
}

// OpenString decrypts a payload sealed with SealString.
func (s *Sealer) OpenString(sealed []byte) (string, error) {
	creds, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	v, ok := creds["value"].(string)
	if !ok {
		return "", fault.New(fault.KindAuth, "sealed payload is not a string")
	}
	return v, nil
}
