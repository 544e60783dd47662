package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/scanplane/pkg/artifact"
	"github.com/cuemby/scanplane/pkg/engine"
	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StagePersister is the stage write path
type StagePersister interface {
	Persist(ctx context.Context, stage *types.Stage, correlationID string) (*types.Task, error)
}

// blob maps a named payload artifact to where it is stored
type blob struct {
	kind artifact.Kind
	file string
}

var blobs = map[string]blob{
	"sbom":             {artifact.KindSBOM, "sbom.cdx.json"},
	"dependency-graph": {artifact.KindDependencyGraph, "graph.json"},
	"usage-index":      {artifact.KindUsageIndex, "usage.json"},
	"engine-log":       {artifact.KindEngineLog, "engine.log"},
}

// Ingester turns executor result callbacks into terminal stages
type Ingester struct {
	store     storage.Store
	stages    StagePersister
	artifacts *artifact.Store
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an Ingester
func New(store storage.Store, stages StagePersister, artifacts *artifact.Store) *Ingester {
	return &Ingester{
		store:     store,
		stages:    stages,
		artifacts: artifacts,
		logger:    log.WithComponent("ingest"),
		now:       time.Now,
	}
}

// HandleResult persists the artifacts of p and completes its stage.
// Re-delivering the same payload yields the same stage.
func (i *Ingester) HandleResult(ctx context.Context, p *types.ResultPayload) (*types.Stage, error) {
	if p == nil || p.TaskID == "" {
		return nil, errdefs.Validation("result requires a task id")
	}

	task, err := i.store.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}

	stage, err := i.resolveStage(task, p)
	if err != nil {
		return nil, err
	}
	logger := log.WithStage(task.ID, stage.ID)

	if caller, ok := CallerFrom(ctx); ok {
		expected := stage.ExecutorID
		if expected == "" {
			expected = task.ExecutorID
		}
		if expected != "" && expected != caller {
			logger.Warn().
				Str("executor_id", caller).
				Str("expected_executor_id", expected).
				Msg("Result delivered by a different executor")
		}
		if stage.ExecutorID == "" {
			stage.ExecutorID = caller
		}
	}

	artifacts, size, hasResult, err := i.writeArtifacts(task, stage, p)
	if err != nil {
		return nil, err
	}

	// A redelivered result keeps the first completion time
	if stage.EndedAt == nil {
		now := i.now()
		stage.EndedAt = &now
	}
	stage.Status = types.StageStatusSucceeded
	stage.Message = p.Error
	if !p.Success {
		stage.Status = types.StageStatusFailed
	} else if stage.Type.IsScanExec() && !hasResult {
		stage.Status = types.StageStatusFailed
		stage.Message = "engine produced no scan result"
	}
	stage.ExitCode = p.ExitCode
	stage.Artifacts = artifacts
	stage.Metrics.ArtifactBytes = size
	stage.Metrics.DurationMs = stage.EndedAt.Sub(stage.StartedAt).Milliseconds()

	if _, err := i.stages.Persist(ctx, stage, task.CorrelationID); err != nil {
		return nil, err
	}
	metrics.ResultsIngested.WithLabelValues(string(stage.Type), string(stage.Status)).Inc()

	exit := "none"
	if p.ExitCode != nil {
		exit = strconv.Itoa(*p.ExitCode)
	}
	line := fmt.Sprintf("stage=%s type=%s exit=%s engine=%s artifacts=%d status=%s",
		stage.ID, stage.Type, exit, p.Engine, len(artifacts), stage.Status)
	if err := i.artifacts.AppendTaskLog(task.ID, line); err != nil {
		logger.Warn().Err(err).Msg("Failed to append task log")
	}

	logger.Info().
		Str("stage_type", string(stage.Type)).
		Str("status", string(stage.Status)).
		Str("exit", exit).
		Str("engine", p.Engine).
		Int("artifacts", len(artifacts)).
		Int64("artifact_bytes", size).
		Msg("Stage result ingested")

	return stage, nil
}

// resolveStage loads the stage a payload completes or starts a new one
func (i *Ingester) resolveStage(task *types.Task, p *types.ResultPayload) (*types.Stage, error) {
	stageID := p.StageID
	if stageID == "" {
		stageID = uuid.New().String()
	}

	existing, err := i.store.GetStage(stageID)
	if err != nil && !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load stage %s: %w", stageID, err)
	}

	// Only callers without a stage id get one minted; a named stage must exist
	if existing == nil && p.StageID != "" {
		return nil, errdefs.NotFound("stage %s of task %s", stageID, task.ID)
	}

	if existing == nil {
		stageType := p.StageType
		if stageType == "" {
			stageType = types.StageScanExec
		}
		if !stageType.Valid() {
			return nil, errdefs.Validation("unknown stage type %q", stageType)
		}
		return &types.Stage{
			ID:        stageID,
			TaskID:    task.ID,
			TenantID:  task.TenantID,
			Type:      stageType,
			Spec:      types.StageSpec{Version: 1},
			Attempt:   p.Attempt,
			StartedAt: i.now(),
		}, nil
	}

	if existing.TaskID != task.ID {
		return nil, errdefs.Validation("stage %s does not belong to task %s", stageID, task.ID)
	}
	if p.Attempt > 0 && p.Attempt < existing.Attempt {
		return nil, errdefs.Conflict("stage %s attempt %d is older than stored attempt %d",
			stageID, p.Attempt, existing.Attempt)
	}

	stage := &types.Stage{
		ID:         existing.ID,
		TaskID:     existing.TaskID,
		TenantID:   existing.TenantID,
		Type:       existing.Type,
		Spec:       existing.Spec,
		ExecutorID: existing.ExecutorID,
		Attempt:    existing.Attempt,
		StartedAt:  existing.StartedAt,
		EndedAt:    existing.EndedAt,
		Signals:    existing.Signals,
	}
	if p.StageType != "" && p.StageType != existing.Type {
		i.logger.Warn().
			Str("stage_id", stageID).
			Str("stored_type", string(existing.Type)).
			Str("payload_type", string(p.StageType)).
			Msg("Result stage type differs from stored stage")
	}
	if p.Attempt > stage.Attempt {
		stage.Attempt = p.Attempt
	}
	return stage, nil
}

// writeArtifacts stores every artifact of p and returns their references,
// their total size and whether the primary scan result is among them
func (i *Ingester) writeArtifacts(task *types.Task, stage *types.Stage, p *types.ResultPayload) ([]string, int64, bool, error) {
	var (
		refs      []string
		total     int64
		hasResult bool
	)

	write := func(kind artifact.Kind, file, content string) error {
		if content == "" {
			return nil
		}
		loc, n, err := i.artifacts.Write(task.ID, stage.ID, kind, file, []byte(content))
		if err != nil {
			return fmt.Errorf("failed to store %s artifact: %w", kind, err)
		}
		refs = append(refs, string(kind)+":"+loc)
		total += n
		metrics.ArtifactBytes.WithLabelValues(string(kind)).Add(float64(n))
		return nil
	}

	if err := write(artifact.KindStdout, "stdout.log", p.Log); err != nil {
		return nil, 0, false, err
	}
	if err := write(artifact.KindError, "error.txt", p.Error); err != nil {
		return nil, 0, false, err
	}
	if err := write(artifact.KindRunLog, "run.log", p.RunLog); err != nil {
		return nil, 0, false, err
	}

	if stage.Type.IsScanExec() {
		result := p.Result
		if result == "" {
			result = p.Artifacts[string(artifact.KindScanResult)]
		}
		if result != "" {
			if err := write(artifact.KindScanResult, resultFile(task, p.Engine), result); err != nil {
				return nil, 0, false, err
			}
			hasResult = true
		}
	}

	for _, name := range []string{"sbom", "dependency-graph", "usage-index", "engine-log"} {
		content, ok := p.Artifacts[name]
		if !ok {
			continue
		}
		b := blobs[name]
		if err := write(b.kind, b.file, content); err != nil {
			return nil, 0, false, err
		}
	}
	logger := log.WithStage(task.ID, stage.ID)
	for name := range p.Artifacts {
		if _, known := blobs[name]; !known && name != string(artifact.KindScanResult) {
			logger.Debug().Str("artifact", name).Msg("Ignoring unknown artifact")
		}
	}

	return refs, total, hasResult, nil
}

func resultFile(task *types.Task, engineName string) string {
	if engineName == "" {
		engineName = task.Spec.Engine.Engine
	}
	if def, err := engine.Lookup(task.Type, engineName); err == nil {
		return def.ResultFile
	}
	return "result.json"
}
