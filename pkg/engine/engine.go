// Package engine describes the scan engines a task may run and how their
// command lines are built.
package engine

import (
	"path"
	"sort"
	"strings"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
)

// Layout of an engine sandbox relative to its root
const (
	SourceDir = "src"
	OutputDir = "out"
	RulesFile = "rules.yaml"
)

// Format is the structured output an engine writes
type Format string

const (
	FormatSARIF     Format = "sarif"
	FormatCycloneDX Format = "cyclonedx"
)

// BuildOptions parameterize a command line
type BuildOptions struct {
	Root   string // sandbox root, "/workspace" on executors
	Rules  types.RuleSelector
	Args   []string
	UsePro bool
}

// Definition is one allowed engine
type Definition struct {
	Name       string
	TaskType   types.TaskType
	Image      string
	Format     Format
	ResultFile string
	build      func(d *Definition, o BuildOptions) []string
}

// SourcePath is where the engine reads the source tree
func SourcePath(root string) string { return path.Join(root, SourceDir) }

// ResultPath is where the engine writes its structured result
func (d *Definition) ResultPath(root string) string {
	return path.Join(root, OutputDir, d.ResultFile)
}

// Command returns the argv for the engine
func (d *Definition) Command(o BuildOptions) []string {
	argv := d.build(d, o)
	return append(argv, o.Args...)
}

var registry = map[string]*Definition{
	"semgrep": {
		Name: "semgrep", TaskType: types.TaskTypeSAST,
		Image: "semgrep/semgrep:latest", Format: FormatSARIF, ResultFile: "result.sarif",
		build: semgrepCommand("semgrep"),
	},
	"opengrep": {
		Name: "opengrep", TaskType: types.TaskTypeSAST,
		Image: "opengrep/opengrep:latest", Format: FormatSARIF, ResultFile: "result.sarif",
		build: semgrepCommand("opengrep"),
	},
	"trivy": {
		Name: "trivy", TaskType: types.TaskTypeSCA,
		Image: "aquasec/trivy:latest", Format: FormatCycloneDX, ResultFile: "result.cdx.json",
		build: func(d *Definition, o BuildOptions) []string {
			return []string{
				"trivy", "fs",
				"--scanners", "vuln",
				"--format", "cyclonedx",
				"--output", d.ResultPath(o.Root),
				SourcePath(o.Root),
			}
		},
	},
	"grype": {
		Name: "grype", TaskType: types.TaskTypeSCA,
		Image: "anchore/grype:latest", Format: FormatCycloneDX, ResultFile: "result.cdx.json",
		build: func(d *Definition, o BuildOptions) []string {
			return []string{
				"grype", "dir:" + SourcePath(o.Root),
				"-o", "cyclonedx-json",
				"--file", d.ResultPath(o.Root),
			}
		},
	},
}

func semgrepCommand(bin string) func(d *Definition, o BuildOptions) []string {
	return func(d *Definition, o BuildOptions) []string {
		argv := []string{bin, "scan", "--sarif", "--output", d.ResultPath(o.Root)}
		configs := o.Rules.Configs
		if len(configs) == 0 {
			configs = []string{"auto"}
		}
		for _, c := range configs {
			argv = append(argv, "--config", c)
		}
		for _, s := range o.Rules.Severities {
			argv = append(argv, "--severity", strings.ToUpper(s))
		}
		if o.UsePro {
			argv = append(argv, "--pro")
		}
		return append(argv, SourcePath(o.Root))
	}
}

// Default returns the engine used when a task does not name one
func Default(taskType types.TaskType) string {
	if taskType == types.TaskTypeSCA {
		return "trivy"
	}
	return "semgrep"
}

// Lookup resolves name for taskType. An empty name selects the default; a
// name outside the task type's allowlist is a validation error.
func Lookup(taskType types.TaskType, name string) (*Definition, error) {
	if name == "" {
		name = Default(taskType)
	}
	d, ok := registry[strings.ToLower(name)]
	if !ok || d.TaskType != taskType {
		return nil, errdefs.Validation("engine %q is not allowed for %s tasks (allowed: %s)",
			name, taskType, strings.Join(Allowed(taskType), ", "))
	}
	return d, nil
}

// Allowed lists the engines permitted for taskType
func Allowed(taskType types.TaskType) []string {
	var names []string
	for name, d := range registry {
		if d.TaskType == taskType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ByName resolves an engine regardless of task type
func ByName(name string) (*Definition, bool) {
	d, ok := registry[strings.ToLower(name)]
	return d, ok
}

// Succeeded reports whether exit code means the scan completed. SARIF
// engines exit 1 when findings are present.
func (d *Definition) Succeeded(code int) bool {
	if code == 0 {
		return true
	}
	return d.Format == FormatSARIF && code == 1
}
