package dispatch

import (
	"context"
	"fmt"

	"github.com/cuemby/scanplane/pkg/engine"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/security"
	"github.com/cuemby/scanplane/pkg/session"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults applied when a task does not set limits
const (
	DefaultCPULimit      = 2.0
	DefaultMemoryLimitMB = 4096
	DefaultTimeoutSec    = 1800
	DefaultSandboxRoot   = "/workspace"
)

// Executors reads executor status and records that an executor has taken work
type Executors interface {
	Get(ctx context.Context, id string) (*types.Executor, error)
	MarkBusy(ctx context.Context, id string) error
}

// Secrets resolves encrypted tenant secrets at dispatch time
type Secrets interface {
	ProToken(tenantID string) (string, bool, error)
	RepoCredential(tenantID, name string) (*security.RepoCredential, error)
}

// Options configure a Service
type Options struct {
	APIBaseURL  string
	SandboxRoot string
}

// Service writes work assignments to executor channels
type Service struct {
	sessions  *session.Registry
	executors Executors
	secrets   Secrets
	opts      Options
	logger    zerolog.Logger
}

// NewService creates a dispatch service
func NewService(sessions *session.Registry, executors Executors, secrets Secrets, opts Options) *Service {
	if opts.SandboxRoot == "" {
		opts.SandboxRoot = DefaultSandboxRoot
	}
	return &Service{
		sessions:  sessions,
		executors: executors,
		secrets:   secrets,
		opts:      opts,
		logger:    log.WithComponent("dispatch"),
	}
}

// Precheck verifies that task can be dispatched without changing anything:
// an executor is assigned, its persisted status accepts work and it has a
// writable channel. The channel alone is not enough; a DRAINING executor
// stays connected.
func (s *Service) Precheck(ctx context.Context, task *types.Task) (session.Channel, error) {
	if task.ExecutorID == "" {
		return nil, errdefs.Validation("task %s has no executor assigned", task.ID)
	}
	e, err := s.executors.Get(ctx, task.ExecutorID)
	if err != nil {
		return nil, err
	}
	switch {
	case e.Status == types.ExecutorStatusDraining:
		return nil, errdefs.Validation("executor %s is draining", e.ID)
	case !e.Status.AcceptsWork():
		return nil, errdefs.NotConnected("executor %s is %s", e.ID, e.Status)
	}
	ch, ok := s.sessions.Get(task.ExecutorID)
	if !ok || !ch.Writable() {
		return nil, errdefs.NotConnected("executor %s", task.ExecutorID)
	}
	return ch, nil
}

// Assignment is a built dispatch message bound to the channel it goes to
type Assignment struct {
	Message    *types.DispatchMessage
	ExecutorID string
	channel    session.Channel
}

// Dispatch builds the assignment for stage and writes it to the executor of
// task. The executor is then marked BUSY on a best-effort basis.
func (s *Service) Dispatch(ctx context.Context, task *types.Task, stage *types.Stage) (*types.DispatchMessage, error) {
	a, err := s.Prepare(ctx, task, stage)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, a); err != nil {
		return nil, err
	}
	return a.Message, nil
}

// Prepare runs every check and resolves every secret a dispatch needs
// without writing anything
func (s *Service) Prepare(ctx context.Context, task *types.Task, stage *types.Stage) (*Assignment, error) {
	ch, err := s.Precheck(ctx, task)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(task.Spec.Engine.Engine, "rejected").Inc()
		return nil, err
	}

	msg, err := s.buildMessage(task, stage)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(task.Spec.Engine.Engine, "rejected").Inc()
		return nil, err
	}
	return &Assignment{Message: msg, ExecutorID: task.ExecutorID, channel: ch}, nil
}

// Send writes a prepared assignment and marks the executor BUSY. A failed
// status update is logged; the persisted stage remains the source of truth.
func (s *Service) Send(ctx context.Context, a *Assignment) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	msg := a.Message
	if err := a.channel.Send(msg); err != nil {
		metrics.DispatchTotal.WithLabelValues(msg.Engine, "failed").Inc()
		if errdefs.IsNotConnected(err) {
			return err
		}
		return errdefs.NotConnected("write to executor %s: %v", a.ExecutorID, err)
	}
	metrics.DispatchTotal.WithLabelValues(msg.Engine, "sent").Inc()

	logger := log.WithStage(msg.TaskID, msg.StageID)
	if err := s.executors.MarkBusy(ctx, a.ExecutorID); err != nil {
		logger.Warn().Err(err).Str("executor_id", a.ExecutorID).Msg("Failed to mark executor busy")
	}

	logger.Info().
		Str("executor_id", a.ExecutorID).
		Str("stage_type", string(msg.StageType)).
		Str("engine", msg.Engine).
		Bool("use_pro", msg.UsePro).
		Int("attempt", msg.Attempt).
		Msg("Stage dispatched")
	return nil
}

func (s *Service) buildMessage(task *types.Task, stage *types.Stage) (*types.DispatchMessage, error) {
	opts := task.Spec.Engine
	def, err := engine.Lookup(task.Type, opts.Engine)
	if err != nil {
		return nil, err
	}

	usePro := false
	secretToken := ""
	if opts.UsePro {
		token, ok, err := s.secrets.ProToken(task.TenantID)
		if err != nil {
			return nil, err
		}
		if ok {
			usePro = true
			secretToken = token
		} else {
			s.logger.Info().Str("task_id", task.ID).Msg("Pro token unavailable, dispatching baseline engine")
		}
	}

	source, err := s.resolveSource(task)
	if err != nil {
		return nil, err
	}

	image := opts.Image
	if image == "" {
		image = def.Image
	}

	env := make(map[string]string, len(opts.Env)+len(stage.Spec.Env))
	for k, v := range opts.Env {
		env[k] = v
	}
	for k, v := range stage.Spec.Env {
		env[k] = v
	}

	limits := stage.Spec.ResourceLimits
	return &types.DispatchMessage{
		Type:      types.MessageTypeDispatch,
		TaskID:    task.ID,
		StageID:   stage.ID,
		StageType: stage.Type,
		Engine:    def.Name,
		Image:     image,
		Command: def.Command(engine.BuildOptions{
			Root:   s.opts.SandboxRoot,
			Rules:  task.Spec.Rules,
			Args:   opts.Args,
			UsePro: usePro,
		}),
		Env:              env,
		CPULimit:         firstPositiveFloat(limits.CPU, opts.CPULimit, DefaultCPULimit),
		MemoryLimitMB:    firstPositiveInt64(limits.MemoryMB, opts.MemoryLimitMB, DefaultMemoryLimitMB),
		TimeoutSec:       int(firstPositiveInt64(int64(limits.TimeoutSec), int64(opts.TimeoutSec), DefaultTimeoutSec)),
		UsePro:           usePro,
		SecretToken:      secretToken,
		APIBaseURL:       s.opts.APIBaseURL,
		SourceDescriptor: source,
		Rules:            task.Spec.Rules,
		Attempt:          stage.Attempt,
	}, nil
}

// resolveSource fills repository credentials from the vault when the task
// references them and none were given inline
func (s *Service) resolveSource(task *types.Task) (types.SourceDescriptor, error) {
	src := task.Spec.Source
	if src.Type == "" {
		return src, errdefs.Validation("task %s has no source type", task.ID)
	}
	if src.HasInlineCredentials() || src.CredentialRef == "" {
		return src, nil
	}

	cred, err := s.secrets.RepoCredential(task.TenantID, src.CredentialRef)
	if errdefs.IsNotFound(err) {
		return src, errdefs.Validation("credential %q not found", src.CredentialRef)
	}
	if err != nil {
		return src, fmt.Errorf("failed to resolve credential %q: %w", src.CredentialRef, err)
	}
	src.Username = cred.Username
	src.Password = cred.Password
	src.Token = cred.Token
	return src, nil
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveInt64(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
