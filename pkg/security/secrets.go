package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
)

// KeySize is the AES-256 key length
const KeySize = 32

var errCiphertextShort = errors.New("ciphertext too short")

// SecretsManager seals secret payloads with AES-256-GCM. Each record is bound
// to its id as additional data, so ciphertext copied onto another tenant's row
// fails to open.
type SecretsManager struct {
	aead cipher.AEAD
}

// NewSecretsManager creates a secrets manager from a raw 32-byte key
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != KeySize {
		return nil, errdefs.Validation("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretsManager{aead: aead}, nil
}

// NewSecretsManagerFromPassword derives the key as SHA-256 of password
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, errdefs.Validation("secrets password is empty")
	}
	key := sha256.Sum256([]byte(password))
	return NewSecretsManager(key[:])
}

// Seal encrypts plaintext bound to aad. The nonce is prepended.
func (sm *SecretsManager) Seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errdefs.Validation("cannot encrypt empty data")
	}
	nonce := make([]byte, sm.aead.NonceSize(), sm.aead.NonceSize()+len(plaintext)+sm.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sm.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal; aad must match
func (sm *SecretsManager) Open(ciphertext, aad []byte) ([]byte, error) {
	n := sm.aead.NonceSize()
	if len(ciphertext) < n+sm.aead.Overhead() {
		return nil, errCiphertextShort
	}
	plaintext, err := sm.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CreateSecret seals plaintext into a tenant-scoped secret record
func (sm *SecretsManager) CreateSecret(tenantID string, kind types.SecretKind, name string, plaintext []byte) (*types.Secret, error) {
	if name == "" {
		return nil, errdefs.Validation("secret name is empty")
	}
	id := SecretID(tenantID, kind, name)
	sealed, err := sm.Seal(plaintext, []byte(id))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &types.Secret{
		ID:        id,
		TenantID:  tenantID,
		Name:      name,
		Kind:      kind,
		Data:      sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSecretData opens the payload of a stored secret
func (sm *SecretsManager) GetSecretData(secret *types.Secret) ([]byte, error) {
	if secret == nil {
		return nil, errdefs.Validation("secret is nil")
	}
	return sm.Open(secret.Data, []byte(secret.ID))
}

// SecretID is stable for a (tenant, kind, name) triple so writes replace in place
func SecretID(tenantID string, kind types.SecretKind, name string) string {
	hash := sha256.Sum256([]byte(tenantID + "/" + string(kind) + "/" + name))
	return base64.URLEncoding.EncodeToString(hash[:16])
}
