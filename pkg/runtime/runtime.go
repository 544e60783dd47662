package runtime

import (
	"context"
	"time"
)

// Job is one engine invocation on the control plane host
type Job struct {
	ID            string
	Image         string
	Command       []string
	Env           map[string]string
	Workspace     string // host directory holding src/, out/ and rules.yaml
	Timeout       time.Duration
	CPULimit      float64
	MemoryLimitMB int64
}

// Result is what an engine left behind. A non-zero ExitCode is not an error.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes engine jobs
type Runner interface {
	// Root is the path the engine sees for workspace
	Root(workspace string) string
	Run(ctx context.Context, job Job) (*Result, error)
	Close() error
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}
