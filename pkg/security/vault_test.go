package security

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sm, err := NewSecretsManager(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return NewVault(store, sm), store
}

func TestRepoCredential(t *testing.T) {
	vault, _ := newTestVault(t)

	err := vault.PutRepoCredential("tenant-a", "github", RepoCredential{})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	require.NoError(t, vault.PutRepoCredential("tenant-a", "github", RepoCredential{Username: "ci", Token: "ghp_x"}))

	cred, err := vault.RepoCredential("tenant-a", "github")
	require.NoError(t, err)
	assert.Equal(t, "ci", cred.Username)
	assert.Equal(t, "ghp_x", cred.Token)

	_, err = vault.RepoCredential("tenant-b", "github")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRepoCredentialUndecryptable(t *testing.T) {
	vault, store := newTestVault(t)
	require.NoError(t, store.PutSecret(&types.Secret{
		ID: "bad", TenantID: "tenant-a", Kind: types.SecretKindRepoCredential, Name: "github", Data: []byte("garbage-garbage-garbage"),
	}))

	_, err := vault.RepoCredential("tenant-a", "github")
	assert.ErrorIs(t, err, errdefs.ErrInternal)
}

func TestProToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		wantOK    bool
	}{
		{name: "no expiry", wantOK: true},
		{name: "future expiry", expiresAt: now.Add(time.Hour), wantOK: true},
		{name: "expired", expiresAt: now.Add(-time.Minute), wantOK: false},
		{name: "expires now", expiresAt: now, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault, _ := newTestVault(t)
			vault.now = func() time.Time { return now }

			require.NoError(t, vault.PutProToken("tenant-a", "pro-123", tt.expiresAt))

			token, ok, err := vault.ProToken("tenant-a")
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, "pro-123", token)
			} else {
				assert.Empty(t, token)
			}
		})
	}
}

func TestProTokenMissing(t *testing.T) {
	vault, _ := newTestVault(t)

	token, ok, err := vault.ProToken("tenant-a")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestProTokenReplacesInPlace(t *testing.T) {
	vault, store := newTestVault(t)

	require.NoError(t, vault.PutProToken("tenant-a", "first", time.Time{}))
	require.NoError(t, vault.PutProToken("tenant-a", "second", time.Time{}))

	secrets, err := store.ListSecrets()
	require.NoError(t, err)
	assert.Len(t, secrets, 1)

	token, ok, err := vault.ProToken("tenant-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", token)
}

func TestProTokenUndecryptable(t *testing.T) {
	vault, store := newTestVault(t)
	require.NoError(t, store.PutSecret(&types.Secret{
		ID: "bad", TenantID: "tenant-a", Kind: types.SecretKindProToken, Name: ProTokenName, Data: []byte("not-a-ciphertext-at-all"),
	}))

	_, _, err := vault.ProToken("tenant-a")
	assert.ErrorIs(t, err, errdefs.ErrInternal)
}
