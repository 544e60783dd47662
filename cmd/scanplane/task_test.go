package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `
type: SCA
repoId: payments
tenantId: ignored
spec:
  source:
    type: git
    url: https://github.com/acme/payments
    credentialRef: github
  engine:
    engine: grype
    timeoutSec: 600
  review:
    enabled: true
    severities: [critical]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadManifest(t *testing.T) {
	req, err := readManifest(writeManifest(t, manifest))
	require.NoError(t, err)

	assert.Equal(t, types.TaskTypeSCA, req.Type)
	assert.Equal(t, "payments", req.RepoID)
	assert.Empty(t, req.TenantID, "tenant always comes from --tenant")
	assert.Equal(t, "github", req.Spec.Source.CredentialRef)
	assert.Equal(t, "grype", req.Spec.Engine.Engine)
	assert.Equal(t, 600, req.Spec.Engine.TimeoutSec)
	assert.Equal(t, []string{"critical"}, req.Spec.Review.Severities)
}

func TestReadManifestErrors(t *testing.T) {
	_, err := readManifest(writeManifest(t, "repoId: x\n"))
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = readManifest(writeManifest(t, "type: [unterminated"))
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = readManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
