package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/scanplane/pkg/artifact"
	"github.com/cuemby/scanplane/pkg/dispatch"
	"github.com/cuemby/scanplane/pkg/engine"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/findings"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/runtime"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Dispatcher sends remote stages to executors in two steps so nothing is
// persisted for a dispatch that cannot happen
type Dispatcher interface {
	Prepare(ctx context.Context, task *types.Task, stage *types.Stage) (*dispatch.Assignment, error)
	Send(ctx context.Context, a *dispatch.Assignment) error
}

// StagePersister is the stage write path
type StagePersister interface {
	Persist(ctx context.Context, stage *types.Stage, correlationID string) (*types.Task, error)
	Withdraw(ctx context.Context, stage *types.Stage, correlationID string, cause error) error
}

// ResultHandler completes a scan-exec stage from an engine outcome
type ResultHandler interface {
	HandleResult(ctx context.Context, payload *types.ResultPayload) (*types.Stage, error)
}

// ReviewOutcome is what a reviewer concluded about a scan result
type ReviewOutcome struct {
	AutoFixPossible bool
	RiskDelta       int
	Summary         string
}

// Reviewer submits findings for review
type Reviewer interface {
	Review(ctx context.Context, task *types.Task, result []byte, summary *findings.Summary) (*ReviewOutcome, error)
}

// Options wire a Producer. Runner, Preparer and Reviewer are optional.
type Options struct {
	Store      storage.Store
	Stages     StagePersister
	Dispatcher Dispatcher
	Results    ResultHandler
	Artifacts  *artifact.Store
	Workspaces *artifact.Workspaces
	Secrets    dispatch.Secrets
	Runner     runtime.Runner
	Preparer   SourcePreparer
	Reviewer   Reviewer
}

// Producer creates the stages of a task pipeline
type Producer struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewProducer creates a Producer
func NewProducer(opts Options) *Producer {
	if opts.Runner == nil {
		opts.Runner = runtime.NewExecRunner()
	}
	if opts.Preparer == nil {
		opts.Preparer = &FSPreparer{}
	}
	return &Producer{
		opts:   opts,
		logger: log.WithComponent("stage"),
		now:    time.Now,
	}
}

// Run produces one stage of task taskID.
//
// Stage-level failures come back as a FAILED stage with a nil error; the
// error is reserved for problems that left nothing persisted.
func (p *Producer) Run(ctx context.Context, taskID string, stageType types.StageType) (*types.Stage, error) {
	task, err := p.opts.Store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Deleted() || task.Status.Terminal() {
		return nil, errdefs.Validation("task %s is %s", task.ID, task.Status)
	}

	switch {
	case isSourcePrepare(stageType):
		return p.sourcePrepare(ctx, task, stageType)
	case stageType == types.StageRulesPrepare:
		return p.rulesPrepare(ctx, task)
	case stageType.IsScanExec():
		if task.ExecutorID != "" {
			return p.dispatchScan(ctx, task, stageType)
		}
		return p.localScan(ctx, task, stageType)
	case isResultProcess(stageType):
		return p.resultProcess(ctx, task, stageType)
	case isResultReview(stageType):
		return p.resultReview(ctx, task, stageType)
	}
	return nil, errdefs.Validation("unknown stage type %q", stageType)
}

func (p *Producer) newStage(task *types.Task, stageType types.StageType) *types.Stage {
	return &types.Stage{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		Type:      stageType,
		Spec:      types.StageSpec{Version: 1, Inputs: map[string]string{}, Params: map[string]string{}},
		Status:    types.StageStatusRunning,
		StartedAt: p.now(),
	}
}

func (p *Producer) finish(ctx context.Context, task *types.Task, stage *types.Stage, status types.StageStatus, message string) (*types.Stage, error) {
	now := p.now()
	stage.Status = status
	stage.Message = message
	stage.EndedAt = &now
	stage.Metrics.DurationMs = now.Sub(stage.StartedAt).Milliseconds()
	if _, err := p.opts.Stages.Persist(ctx, stage, task.CorrelationID); err != nil {
		return nil, err
	}
	return stage, nil
}

func (p *Producer) skip(ctx context.Context, task *types.Task, stageType types.StageType, reason string) (*types.Stage, error) {
	stage := p.newStage(task, stageType)
	stage.Spec.Reason = reason
	return p.finish(ctx, task, stage, types.StageStatusSkipped, "")
}

func (p *Producer) sourcePrepare(ctx context.Context, task *types.Task, stageType types.StageType) (*types.Stage, error) {
	stage := p.newStage(task, stageType)
	stage.Spec.Inputs["sourceType"] = task.Spec.Source.Type

	ws, err := p.opts.Workspaces.Create(task.ID)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	dest := engine.SourcePath(ws)
	stage.Spec.Params["path"] = dest

	src, err := p.resolveCredentials(task)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	if err := p.opts.Preparer.Prepare(ctx, src, dest); err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	return p.finish(ctx, task, stage, types.StageStatusSucceeded, "")
}

func (p *Producer) resolveCredentials(task *types.Task) (types.SourceDescriptor, error) {
	src := task.Spec.Source
	if src.HasInlineCredentials() || src.CredentialRef == "" || p.opts.Secrets == nil {
		return src, nil
	}
	cred, err := p.opts.Secrets.RepoCredential(task.TenantID, src.CredentialRef)
	if err != nil {
		return src, fmt.Errorf("failed to resolve credential %q: %w", src.CredentialRef, err)
	}
	src.Username = cred.Username
	src.Password = cred.Password
	src.Token = cred.Token
	return src, nil
}

func (p *Producer) rulesPrepare(ctx context.Context, task *types.Task) (*types.Stage, error) {
	stage := p.newStage(task, types.StageRulesPrepare)

	ws, err := p.opts.Workspaces.Mount(task.ID)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	data, err := yaml.Marshal(task.Spec.Rules)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	path := filepath.Join(ws, engine.RulesFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	stage.Spec.Params["path"] = path
	stage.Spec.Params["ruleSets"] = strconv.Itoa(len(task.Spec.Rules.RuleSetIDs))
	return p.finish(ctx, task, stage, types.StageStatusSucceeded, "")
}

func (p *Producer) attempt(task *types.Task, stageType types.StageType) int {
	stages, err := p.opts.Store.ListStagesByTask(task.ID)
	if err != nil {
		return 1
	}
	n := 1
	for _, s := range stages {
		if s.Type == stageType {
			n++
		}
	}
	return n
}

// dispatchScan persists a RUNNING stage and sends it to the task's executor.
// A failed send withdraws the stage again.
func (p *Producer) dispatchScan(ctx context.Context, task *types.Task, stageType types.StageType) (*types.Stage, error) {
	stage := p.newStage(task, stageType)
	stage.ExecutorID = task.ExecutorID
	stage.Attempt = p.attempt(task, stageType)
	stage.Spec.Params["engine"] = task.Spec.Engine.Engine

	a, err := p.opts.Dispatcher.Prepare(ctx, task, stage)
	if err != nil {
		return nil, err
	}
	stage.Spec.Params["engine"] = a.Message.Engine
	stage.Spec.ResourceLimits = types.ResourceLimits{
		CPU:        a.Message.CPULimit,
		MemoryMB:   a.Message.MemoryLimitMB,
		TimeoutSec: a.Message.TimeoutSec,
	}

	if _, err := p.opts.Stages.Persist(ctx, stage, task.CorrelationID); err != nil {
		return nil, err
	}
	if err := p.opts.Dispatcher.Send(ctx, a); err != nil {
		if wErr := p.opts.Stages.Withdraw(ctx, stage, task.CorrelationID, err); wErr != nil {
			p.logger.Error().Err(wErr).Str("stage_id", stage.ID).Msg("Failed to withdraw undispatched stage")
		}
		return nil, err
	}
	return stage, nil
}

// localScan runs the engine on this host and ingests the outcome the same
// way a remote executor's callback would be
func (p *Producer) localScan(ctx context.Context, task *types.Task, stageType types.StageType) (*types.Stage, error) {
	def, err := engine.Lookup(task.Type, task.Spec.Engine.Engine)
	if err != nil {
		return nil, err
	}

	stage := p.newStage(task, stageType)
	stage.Attempt = p.attempt(task, stageType)
	stage.Spec.Params["engine"] = def.Name
	logger := log.WithStage(task.ID, stage.ID)

	ws, err := p.opts.Workspaces.Mount(task.ID)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	if _, err := p.opts.Stages.Persist(ctx, stage, task.CorrelationID); err != nil {
		return nil, err
	}

	opts := task.Spec.Engine
	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	usePro := false
	if opts.UsePro && p.opts.Secrets != nil {
		token, ok, err := p.opts.Secrets.ProToken(task.TenantID)
		if err != nil {
			logger.Warn().Err(err).Msg("Pro token unreadable, running baseline engine")
		} else if ok {
			usePro = true
			env["SEMGREP_APP_TOKEN"] = token
		}
	}

	image := opts.Image
	if image == "" {
		image = def.Image
	}
	root := p.opts.Runner.Root(ws)
	if err := os.MkdirAll(filepath.Join(ws, engine.OutputDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	timeout := opts.TimeoutSec
	if timeout <= 0 {
		timeout = dispatch.DefaultTimeoutSec
	}

	res, runErr := p.opts.Runner.Run(ctx, runtime.Job{
		ID:    stage.ID,
		Image: image,
		Command: def.Command(engine.BuildOptions{
			Root:   root,
			Rules:  task.Spec.Rules,
			Args:   opts.Args,
			UsePro: usePro,
		}),
		Env:           env,
		Workspace:     ws,
		Timeout:       time.Duration(timeout) * time.Second,
		CPULimit:      opts.CPULimit,
		MemoryLimitMB: opts.MemoryLimitMB,
	})

	payload := &types.ResultPayload{
		TaskID:    task.ID,
		StageID:   stage.ID,
		StageType: stageType,
		Engine:    def.Name,
		Attempt:   stage.Attempt,
		Artifacts: map[string]string{},
	}
	if res != nil {
		code := res.ExitCode
		payload.ExitCode = &code
		payload.Log = string(res.Stdout)
		if len(res.Stderr) > 0 {
			payload.Artifacts["engine-log"] = string(res.Stderr)
		}
	}
	if result, err := os.ReadFile(filepath.Join(ws, engine.OutputDir, def.ResultFile)); err == nil {
		payload.Result = string(result)
	}
	switch {
	case runErr != nil:
		payload.Error = runErr.Error()
	case res == nil:
		payload.Error = fmt.Sprintf("%s returned no result", def.Name)
	case !def.Succeeded(res.ExitCode):
		payload.Error = fmt.Sprintf("%s exited with code %d", def.Name, res.ExitCode)
	default:
		payload.Success = true
	}

	// A canceled task must still get its stage closed
	return p.opts.Results.HandleResult(context.WithoutCancel(ctx), payload)
}

// scanResult loads the newest successful scan result of a task
func (p *Producer) scanResult(task *types.Task) ([]byte, bool, error) {
	stages, err := p.opts.Store.ListStagesByTask(task.ID)
	if err != nil {
		return nil, false, err
	}
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		if !s.Type.IsScanExec() || s.Status != types.StageStatusSucceeded {
			continue
		}
		for _, ref := range s.Artifacts {
			kind, loc, ok := strings.Cut(ref, ":")
			if !ok || kind != string(artifact.KindScanResult) {
				continue
			}
			data, err := os.ReadFile(loc)
			if errors.Is(err, os.ErrNotExist) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return data, true, nil
		}
		return nil, false, nil
	}
	return nil, false, nil
}

func (p *Producer) summarize(task *types.Task) (*findings.Summary, []byte, bool, error) {
	data, ok, err := p.scanResult(task)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	def, err := engine.Lookup(task.Type, task.Spec.Engine.Engine)
	if err != nil {
		return nil, nil, false, err
	}
	summary, err := findings.Summarize(def.Format, data)
	if err != nil {
		return nil, nil, true, err
	}
	return summary, data, true, nil
}

func (p *Producer) resultProcess(ctx context.Context, task *types.Task, stageType types.StageType) (*types.Stage, error) {
	summary, _, found, err := p.summarize(task)
	if !found && err == nil {
		if task.Type == types.TaskTypeSCA {
			return p.skip(ctx, task, stageType, ReasonNoSBOM)
		}
		return p.skip(ctx, task, stageType, ReasonNoFindings)
	}

	stage := p.newStage(task, stageType)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}

	stage.Spec.Params["total"] = strconv.Itoa(summary.Total)
	for sev, n := range summary.BySeverity {
		stage.Spec.Params[sev] = strconv.Itoa(n)
	}
	if summary.Components > 0 {
		stage.Spec.Params["components"] = strconv.Itoa(summary.Components)
	}
	stage.Signals = types.StageSignals{
		NeedsAIReview:   task.Spec.Review.Enabled && summary.Count(task.Spec.Review.Severities) > 0,
		AutoFixPossible: summary.AutoFixable > 0,
		RiskDelta:       summary.RiskScore(),
	}
	return p.finish(ctx, task, stage, types.StageStatusSucceeded, "")
}

func (p *Producer) resultReview(ctx context.Context, task *types.Task, stageType types.StageType) (*types.Stage, error) {
	policy := task.Spec.Review
	if !policy.Enabled {
		return p.skip(ctx, task, stageType, ReasonReviewDisabled)
	}

	summary, data, found, err := p.summarize(task)
	if err != nil {
		stage := p.newStage(task, stageType)
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	if !found || summary.Total == 0 {
		return p.skip(ctx, task, stageType, ReasonNoFindings)
	}
	if summary.Count(policy.Severities) == 0 {
		return p.skip(ctx, task, stageType, ReasonNoEligibleSeverity)
	}
	if p.opts.Reviewer == nil {
		return p.skip(ctx, task, stageType, ReasonNoClient)
	}

	stage := p.newStage(task, stageType)
	stage.Spec.Inputs["eligible"] = strconv.Itoa(summary.Count(policy.Severities))
	outcome, err := p.opts.Reviewer.Review(ctx, task, data, summary)
	if err != nil {
		return p.finish(ctx, task, stage, types.StageStatusFailed, err.Error())
	}
	stage.Signals = types.StageSignals{
		AutoFixPossible: outcome.AutoFixPossible,
		RiskDelta:       outcome.RiskDelta,
	}
	return p.finish(ctx, task, stage, types.StageStatusSucceeded, outcome.Summary)
}
