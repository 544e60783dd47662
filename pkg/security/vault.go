package security

import (
	"encoding/json"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
)

// ProTokenName is the secret name the vault keeps a tenant's pro-engine token under
const ProTokenName = "default"

// RepoCredential is the decrypted form of a repository credential secret
type RepoCredential struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type proTokenRecord struct {
	Token string `json:"token"`
}

// Vault stores tenant secrets encrypted at rest
type Vault struct {
	store   storage.Store
	secrets *SecretsManager
	now     func() time.Time
}

// NewVault creates a vault backed by store
func NewVault(store storage.Store, secrets *SecretsManager) *Vault {
	return &Vault{store: store, secrets: secrets, now: time.Now}
}

// PutRepoCredential encrypts and stores a named repository credential
func (v *Vault) PutRepoCredential(tenantID, name string, cred RepoCredential) error {
	if cred.Password == "" && cred.Token == "" {
		return errdefs.Validation("credential %s has neither password nor token", name)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return errdefs.Internal(err, "encode credential")
	}
	return v.put(tenantID, types.SecretKindRepoCredential, name, data, nil)
}

// RepoCredential returns the decrypted credential stored under name
func (v *Vault) RepoCredential(tenantID, name string) (*RepoCredential, error) {
	secret, err := v.store.GetSecretByName(tenantID, types.SecretKindRepoCredential, name)
	if err != nil {
		return nil, err
	}
	plaintext, err := v.secrets.GetSecretData(secret)
	if err != nil {
		return nil, errdefs.Internal(err, "decrypt credential %s", name)
	}
	var cred RepoCredential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, errdefs.Internal(err, "malformed credential %s", name)
	}
	return &cred, nil
}

// PutProToken stores the tenant's pro-engine token. A zero expiresAt never expires.
func (v *Vault) PutProToken(tenantID, token string, expiresAt time.Time) error {
	if token == "" {
		return errdefs.Validation("pro token is empty")
	}
	data, err := json.Marshal(proTokenRecord{Token: token})
	if err != nil {
		return errdefs.Internal(err, "encode pro token")
	}
	var exp *time.Time
	if !expiresAt.IsZero() {
		exp = &expiresAt
	}
	return v.put(tenantID, types.SecretKindProToken, ProTokenName, data, exp)
}

// ProToken returns the tenant's pro-engine token. A missing or expired token
// yields ok=false without error; decrypt failures are internal errors.
func (v *Vault) ProToken(tenantID string) (token string, ok bool, err error) {
	secret, err := v.store.GetSecretByName(tenantID, types.SecretKindProToken, ProTokenName)
	if errdefs.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if secret.ExpiresAt != nil && !v.now().Before(*secret.ExpiresAt) {
		return "", false, nil
	}
	plaintext, err := v.secrets.GetSecretData(secret)
	if err != nil {
		return "", false, errdefs.Internal(err, "decrypt pro token")
	}
	var rec proTokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return "", false, errdefs.Internal(err, "malformed pro token")
	}
	if rec.Token == "" {
		return "", false, nil
	}
	return rec.Token, true, nil
}

func (v *Vault) put(tenantID string, kind types.SecretKind, name string, data []byte, expiresAt *time.Time) error {
	secret, err := v.secrets.CreateSecret(tenantID, kind, name, data)
	if err != nil {
		return errdefs.Internal(err, "encrypt %s", kind)
	}
	if existing, err := v.store.GetSecret(secret.ID); err == nil {
		secret.CreatedAt = existing.CreatedAt
	}
	secret.ExpiresAt = expiresAt
	return v.store.PutSecret(secret)
}
