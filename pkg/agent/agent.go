// Package agent is the executor side of the channel: it receives stage
// assignments, runs the engine locally and reports the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/engine"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/runtime"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// Stream is an open executor channel. Implementations serialize their own
// writes; SendResult blocks until the control plane acknowledges the result.
type Stream interface {
	Recv() (*types.DispatchMessage, error)
	SendHeartbeat(hb types.HeartbeatPayload) error
	SendResult(ctx context.Context, payload *types.ResultPayload) (*types.ResultAck, error)
}

// ResultReporter delivers results over the HTTP callback route when the
// channel is gone
type ResultReporter interface {
	ReportResult(payload *types.ResultPayload) (*types.Stage, error)
}

const maxReportBackoff = 30 * time.Second

// SourcePreparer materializes a source tree
type SourcePreparer interface {
	Prepare(ctx context.Context, src types.SourceDescriptor, dest string) error
}

// Config wires an Agent
type Config struct {
	WorkDir           string
	SandboxRoot       string // root the control plane built command lines for
	Runner            runtime.Runner
	Preparer          SourcePreparer
	HeartbeatInterval time.Duration
	// KeepWorkspaces leaves finished workspaces on disk
	KeepWorkspaces bool

	// AckTimeout bounds the wait for a result acknowledgement
	AckTimeout time.Duration
	// ReportAttempts caps deliveries of one result; RetryBackoff is the
	// first pause between them and doubles up to 30s
	ReportAttempts int
	RetryBackoff   time.Duration
	Fallback       ResultReporter
}

// Agent executes assignments from one stream
type Agent struct {
	cfg    Config
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates an agent
func New(cfg Config) (*Agent, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Preparer == nil {
		return nil, errors.New("source preparer is required")
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = runtime.SandboxRoot
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.WorkDir, err)
	}
	cfg.WorkDir = abs
	return &Agent{cfg: cfg, logger: log.WithComponent("agent")}, nil
}

// Run serves stream until ctx is done or the stream closes. Assignments run
// concurrently; Run waits for them before returning.
func (a *Agent) Run(ctx context.Context, stream Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.wg.Wait()

	go a.heartbeatLoop(ctx, stream)

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("channel closed: %w", err)
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			payload := a.Execute(ctx, msg)
			// Shutdown still reports what already ran
			if err := a.report(context.WithoutCancel(ctx), stream, payload); err != nil {
				a.logger.Error().Err(err).Str("task_id", msg.TaskID).Str("stage_id", msg.StageID).Msg("Failed to report result")
			}
		}()
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, stream Stream) {
	beat := func() {
		if err := stream.SendHeartbeat(types.HeartbeatPayload{}); err != nil {
			a.logger.Warn().Err(err).Msg("Heartbeat failed")
		}
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return
		}
	}
}

// report delivers payload until it is acknowledged, a rejection is
// permanent, or the attempts run out
func (a *Agent) report(ctx context.Context, stream Stream, payload *types.ResultPayload) error {
	backoff := a.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := a.reportOnce(ctx, stream, payload)
		if err == nil || !errdefs.Retryable(err) || attempt >= a.cfg.ReportAttempts {
			return err
		}
		a.logger.Warn().Err(err).
			Str("stage_id", payload.StageID).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Result not accepted, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff = min(backoff*2, maxReportBackoff)
	}
}

func (a *Agent) reportOnce(ctx context.Context, stream Stream, payload *types.ResultPayload) error {
	ackCtx, cancel := context.WithTimeout(ctx, a.cfg.AckTimeout)
	defer cancel()

	_, err := stream.SendResult(ackCtx, payload)
	if err == nil || a.cfg.Fallback == nil || !errdefs.IsNotConnected(err) {
		return err
	}
	if _, ferr := a.cfg.Fallback.ReportResult(payload); ferr != nil {
		return fmt.Errorf("channel: %v; callback: %w", err, ferr)
	}
	return nil
}

// Execute runs one assignment and builds the result to report
func (a *Agent) Execute(ctx context.Context, msg *types.DispatchMessage) *types.ResultPayload {
	logger := log.WithStage(msg.TaskID, msg.StageID)
	payload := &types.ResultPayload{
		TaskID:    msg.TaskID,
		StageID:   msg.StageID,
		StageType: msg.StageType,
		Engine:    msg.Engine,
		Attempt:   msg.Attempt,
		Artifacts: map[string]string{},
	}

	def, ok := engine.ByName(msg.Engine)
	if !ok {
		payload.Error = fmt.Sprintf("unknown engine %q", msg.Engine)
		return payload
	}

	ws := filepath.Join(a.cfg.WorkDir, msg.TaskID, msg.StageID)
	if !a.cfg.KeepWorkspaces {
		defer os.RemoveAll(ws)
	}
	if err := os.MkdirAll(filepath.Join(ws, engine.OutputDir), 0755); err != nil {
		payload.Error = fmt.Sprintf("failed to create workspace: %v", err)
		return payload
	}
	if err := a.cfg.Preparer.Prepare(ctx, msg.SourceDescriptor, engine.SourcePath(ws)); err != nil {
		payload.Error = fmt.Sprintf("failed to prepare source: %v", err)
		return payload
	}

	env := make(map[string]string, len(msg.Env)+1)
	for k, v := range msg.Env {
		env[k] = v
	}
	if msg.UsePro && msg.SecretToken != "" {
		env["SEMGREP_APP_TOKEN"] = msg.SecretToken
	}

	root := a.cfg.Runner.Root(ws)
	logger.Info().Str("engine", def.Name).Int("attempt", msg.Attempt).Msg("Running stage")

	res, err := a.cfg.Runner.Run(ctx, runtime.Job{
		ID:            msg.StageID,
		Image:         msg.Image,
		Command:       rebase(msg.Command, a.cfg.SandboxRoot, root),
		Env:           env,
		Workspace:     ws,
		Timeout:       time.Duration(msg.TimeoutSec) * time.Second,
		CPULimit:      msg.CPULimit,
		MemoryLimitMB: msg.MemoryLimitMB,
	})
	if res != nil {
		code := res.ExitCode
		payload.ExitCode = &code
		payload.Log = string(res.Stdout)
		if len(res.Stderr) > 0 {
			payload.Artifacts["engine-log"] = string(res.Stderr)
		}
	}
	if result, readErr := os.ReadFile(filepath.Join(ws, engine.OutputDir, def.ResultFile)); readErr == nil {
		payload.Result = string(result)
	}

	switch {
	case err != nil:
		payload.Error = err.Error()
	case res == nil:
		payload.Error = fmt.Sprintf("%s returned no result", def.Name)
	case !def.Succeeded(res.ExitCode):
		payload.Error = fmt.Sprintf("%s exited with code %d", def.Name, res.ExitCode)
	default:
		payload.Success = true
	}
	a.unrebase(payload, root)
	logger.Info().Bool("success", payload.Success).Msg("Stage finished")
	return payload
}

// unrebase maps runner paths in reported content back onto the sandbox root,
// so results never carry this host's workspace layout
func (a *Agent) unrebase(p *types.ResultPayload, root string) {
	if root == a.cfg.SandboxRoot {
		return
	}
	r := strings.NewReplacer(root+"/", a.cfg.SandboxRoot+"/")
	p.Result = r.Replace(p.Result)
	p.Log = r.Replace(p.Log)
	p.RunLog = r.Replace(p.RunLog)
	p.Error = r.Replace(p.Error)
	for name, content := range p.Artifacts {
		p.Artifacts[name] = r.Replace(content)
	}
}

// rebase rewrites argv paths under from to live under to
func rebase(argv []string, from, to string) []string {
	if from == to {
		return argv
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		switch {
		case arg == from:
			out[i] = to
		case strings.HasPrefix(arg, from+"/"):
			out[i] = to + arg[len(from):]
		case strings.Contains(arg, ":"+from+"/"):
			// grype style "dir:/workspace/src"
			out[i] = strings.Replace(arg, ":"+from+"/", ":"+to+"/", 1)
		default:
			out[i] = arg
		}
	}
	return out
}
