package engine

import (
	"testing"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name     string
		taskType types.TaskType
		engine   string
		want     string
		wantErr  bool
	}{
		{name: "sast default", taskType: types.TaskTypeSAST, want: "semgrep"},
		{name: "sca default", taskType: types.TaskTypeSCA, want: "trivy"},
		{name: "explicit sast", taskType: types.TaskTypeSAST, engine: "opengrep", want: "opengrep"},
		{name: "case insensitive", taskType: types.TaskTypeSCA, engine: "Grype", want: "grype"},
		{name: "wrong task type", taskType: types.TaskTypeSAST, engine: "trivy", wantErr: true},
		{name: "unknown", taskType: types.TaskTypeSCA, engine: "rm -rf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Lookup(tt.taskType, tt.engine)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name)
		})
	}
}

func TestSemgrepCommand(t *testing.T) {
	d, err := Lookup(types.TaskTypeSAST, "")
	require.NoError(t, err)

	argv := d.Command(BuildOptions{
		Root:   "/workspace",
		Rules:  types.RuleSelector{Configs: []string{"p/golang"}, Severities: []string{"error"}},
		Args:   []string{"--metrics=off"},
		UsePro: true,
	})
	assert.Equal(t, []string{
		"semgrep", "scan", "--sarif", "--output", "/workspace/out/result.sarif",
		"--config", "p/golang", "--severity", "ERROR", "--pro", "/workspace/src", "--metrics=off",
	}, argv)

	argv = d.Command(BuildOptions{Root: "/workspace"})
	assert.Contains(t, argv, "auto")
	assert.NotContains(t, argv, "--pro")
}

func TestTrivyCommand(t *testing.T) {
	d, err := Lookup(types.TaskTypeSCA, "trivy")
	require.NoError(t, err)
	assert.Equal(t, FormatCycloneDX, d.Format)
	assert.Equal(t, []string{
		"trivy", "fs", "--scanners", "vuln", "--format", "cyclonedx",
		"--output", "/ws/t1/out/result.cdx.json", "/ws/t1/src",
	}, d.Command(BuildOptions{Root: "/ws/t1"}))
}

func TestAllowed(t *testing.T) {
	assert.Equal(t, []string{"opengrep", "semgrep"}, Allowed(types.TaskTypeSAST))
	assert.Equal(t, []string{"grype", "trivy"}, Allowed(types.TaskTypeSCA))
}

func TestByName(t *testing.T) {
	d, ok := ByName("Grype")
	require.True(t, ok)
	assert.Equal(t, types.TaskTypeSCA, d.TaskType)

	_, ok = ByName("bandit")
	assert.False(t, ok)
}

func TestSucceeded(t *testing.T) {
	semgrep, _ := ByName("semgrep")
	trivy, _ := ByName("trivy")

	tests := []struct {
		def  *Definition
		code int
		want bool
	}{
		{semgrep, 0, true},
		{semgrep, 1, true},
		{semgrep, 2, false},
		{trivy, 0, true},
		{trivy, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.def.Succeeded(tt.code), "%s exit %d", tt.def.Name, tt.code)
	}
}
