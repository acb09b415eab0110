// Package secrets seals cartridge connection credentials with AES-GCM
// before they touch a store. The cipher key is derived from the master
// key with HKDF so the master never encrypts payloads directly.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/switchboard/backend/internal/schema"
)

// derivation context bound into the subkey; changing it invalidates
// every sealed blob.
const keyInfo = "switchboard/connection-credentials/v1"

// Sealer encrypts and decrypts credential maps.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives the cipher key from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != 32 {
		return nil, schema.E(schema.KindValidation,
			"credential key must be 32 bytes, got %d", len(masterKey))
	}
	subKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, subKey); err != nil {
		return nil, schema.E(schema.KindFatal, "key derivation failed: %v", err)
	}
	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, schema.E(schema.KindFatal, "cipher init failed: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.E(schema.KindFatal, "gcm init failed: %v", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts a credential map to base64(nonce||ciphertext).
func (s *Sealer) Seal(credentials map[string]any) (string, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return "", schema.E(schema.KindValidation, "credentials are not serializable: %v", err)
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", schema.E(schema.KindFatal, "nonce generation failed: %v", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed blob back into the credential map.
func (s *Sealer) Open(sealed string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, schema.E(schema.KindValidation, "sealed credentials are not base64: %v", err)
	}
	if len(raw) < s.gcm.NonceSize() {
		return nil, schema.E(schema.KindValidation, "sealed credentials are truncated")
	}
	nonce, ciphertext := raw[:s.gcm.NonceSize()], raw[s.gcm.NonceSize():]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, schema.E(schema.KindForbidden, "credential decryption failed")
	}
	var credentials map[string]any
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, schema.E(schema.KindFatal, "sealed payload is corrupt: %v", err)
	}
	return credentials, nil
}
