package types

import (
	"time"
)

// Executor represents a remote worker process that runs dispatched scan stages
type Executor struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenantId"`
	Name          string            `json:"name"`
	Labels        map[string]string `json:"labels,omitempty"`
	Status        ExecutorStatus    `json:"status"`
	Capacity      ExecutorResources `json:"capacity"`
	Usage         *ExecutorUsage    `json:"usage,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitempty"`
	PublicKey     string            `json:"publicKey,omitempty"`
	TokenHash     string            `json:"tokenHash,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`

	// Token is only populated on the value returned by registration.
	// It is never persisted.
	Token string `json:"token,omitempty"`
}

// ExecutorStatus represents the current state of an executor
type ExecutorStatus string

const (
	ExecutorStatusRegistered ExecutorStatus = "REGISTERED"
	ExecutorStatusReady      ExecutorStatus = "READY"
	ExecutorStatusBusy       ExecutorStatus = "BUSY"
	ExecutorStatusDraining   ExecutorStatus = "DRAINING"
	ExecutorStatusOffline    ExecutorStatus = "OFFLINE"
)

// Valid reports whether s is a known executor status
func (s ExecutorStatus) Valid() bool {
	switch s {
	case ExecutorStatusRegistered, ExecutorStatusReady, ExecutorStatusBusy,
		ExecutorStatusDraining, ExecutorStatusOffline:
		return true
	}
	return false
}

// AcceptsWork reports whether new stages may be dispatched to an executor in this status
func (s ExecutorStatus) AcceptsWork() bool {
	return s == ExecutorStatusReady || s == ExecutorStatusBusy
}

// ExecutorResources is the declared capacity of an executor
type ExecutorResources struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memoryMb"`
}

// ExecutorUsage is the last usage an executor reported with a heartbeat
type ExecutorUsage struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memoryMb"`
}

// TaskType selects the pipeline variant of a task
type TaskType string

const (
	TaskTypeSAST TaskType = "SAST"
	TaskTypeSCA  TaskType = "SCA"
)

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// Terminal reports whether no further transitions are expected
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Task is one scan job
type Task struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	ProjectID     string     `json:"projectId,omitempty"`
	RepoID        string     `json:"repoId,omitempty"`
	ExecutorID    string     `json:"executorId,omitempty"`
	Type          TaskType   `json:"type"`
	Spec          TaskSpec   `json:"spec"`
	Status        TaskStatus `json:"status"`
	CorrelationID string     `json:"correlationId"`
	Owner         string     `json:"owner,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the task has been soft-deleted
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}

// TaskSpec is the immutable description of what a task scans and how
type TaskSpec struct {
	Source SourceDescriptor `json:"source" yaml:"source"`
	Rules  RuleSelector     `json:"rules,omitempty" yaml:"rules,omitempty"`
	Engine EngineOptions    `json:"engine,omitempty" yaml:"engine,omitempty"`
	Review ReviewPolicy     `json:"review,omitempty" yaml:"review,omitempty"`
}

// SourceDescriptor tells an executor (or the local preparer) where the code lives
type SourceDescriptor struct {
	Type          string `json:"type" yaml:"type"` // "git", "local", "archive"
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	Ref           string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	CredentialRef string `json:"credentialRef,omitempty" yaml:"credentialRef,omitempty"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
}

// HasInlineCredentials reports whether the caller supplied credentials directly
func (s SourceDescriptor) HasInlineCredentials() bool {
	return s.Token != "" || s.Password != ""
}

// RuleSelector chooses which rules the engine runs
type RuleSelector struct {
	RuleSetIDs []string `json:"ruleSetIds,omitempty" yaml:"ruleSetIds,omitempty"`
	Languages  []string `json:"languages,omitempty" yaml:"languages,omitempty"`
	Severities []string `json:"severities,omitempty" yaml:"severities,omitempty"`
	Configs    []string `json:"configs,omitempty" yaml:"configs,omitempty"`
}

// EngineOptions tune the scan engine
type EngineOptions struct {
	Engine        string            `json:"engine,omitempty" yaml:"engine,omitempty"`
	Image         string            `json:"image,omitempty" yaml:"image,omitempty"`
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	CPULimit      float64           `json:"cpuLimit,omitempty" yaml:"cpuLimit,omitempty"`
	MemoryLimitMB int64             `json:"memoryLimitMb,omitempty" yaml:"memoryLimitMb,omitempty"`
	TimeoutSec    int               `json:"timeoutSec,omitempty" yaml:"timeoutSec,omitempty"`
	UsePro        bool              `json:"usePro,omitempty" yaml:"usePro,omitempty"`
}

// ReviewPolicy controls the result-review stage
type ReviewPolicy struct {
	Enabled    bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Severities []string `json:"severities,omitempty" yaml:"severities,omitempty"`
}

// StageType identifies one step of a task pipeline
type StageType string

const (
	StageSourcePrepare    StageType = "SOURCE_PREPARE"
	StageRulesPrepare     StageType = "RULES_PREPARE"
	StageScanExec         StageType = "SCAN_EXEC"
	StageResultProcess    StageType = "RESULT_PROCESS"
	StageResultReview     StageType = "RESULT_REVIEW"
	StageSCASourcePrepare StageType = "SCA_SOURCE_PREPARE"
	StageSCAScanExec      StageType = "SCA_SCAN_EXEC"
	StageSCAResultProcess StageType = "SCA_RESULT_PROCESS"
	StageSCAResultReview  StageType = "SCA_RESULT_REVIEW"
)

// Valid reports whether t is a known stage type
func (t StageType) Valid() bool {
	switch t {
	case StageSourcePrepare, StageRulesPrepare, StageScanExec, StageResultProcess, StageResultReview,
		StageSCASourcePrepare, StageSCAScanExec, StageSCAResultProcess, StageSCAResultReview:
		return true
	}
	return false
}

// IsScanExec reports whether the stage runs the scan engine
func (t StageType) IsScanExec() bool {
	return t == StageScanExec || t == StageSCAScanExec
}

// IsFinal reports whether the stage closes the pipeline
func (t StageType) IsFinal() bool {
	return t == StageResultReview || t == StageSCAResultReview
}

// StageStatus represents the state of a stage
type StageStatus string

const (
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSucceeded StageStatus = "SUCCEEDED"
	StageStatusFailed    StageStatus = "FAILED"
	StageStatusSkipped   StageStatus = "SKIPPED"
)

// Terminal reports whether the stage has finished
func (s StageStatus) Terminal() bool {
	return s != StageStatusRunning
}

// Stage is one step of a task pipeline and the unit of dispatch
type Stage struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"taskId"`
	TenantID   string       `json:"tenantId"`
	Type       StageType    `json:"type"`
	Spec       StageSpec    `json:"spec"`
	Status     StageStatus  `json:"status"`
	Metrics    StageMetrics `json:"metrics"`
	Signals    StageSignals `json:"signals"`
	Artifacts  []string     `json:"artifacts,omitempty"` // "kind:location"
	ExecutorID string       `json:"executorId,omitempty"`
	Attempt    int          `json:"attempt,omitempty"`
	ExitCode   *int         `json:"exitCode,omitempty"`
	Message    string       `json:"message,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
}

// StageSpec is the versioned, engine-specific input of a stage
type StageSpec struct {
	Version        int               `json:"version"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	ResourceLimits ResourceLimits    `json:"resourceLimits,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// ResourceLimits caps what a stage may consume
type ResourceLimits struct {
	CPU        float64 `json:"cpu,omitempty"`
	MemoryMB   int64   `json:"memoryMb,omitempty"`
	TimeoutSec int     `json:"timeoutSec,omitempty"`
}

// StageMetrics are measured when a stage ends
type StageMetrics struct {
	DurationMs    int64   `json:"durationMs"`
	CPUUsage      float64 `json:"cpuUsage,omitempty"`
	MemoryMB      int64   `json:"memoryMb,omitempty"`
	ArtifactBytes int64   `json:"artifactBytes"`
}

// StageSignals carry hints for downstream stages and subscribers
type StageSignals struct {
	NeedsAIReview   bool `json:"needsAiReview"`
	AutoFixPossible bool `json:"autoFixPossible"`
	RiskDelta       int  `json:"riskDelta"`
}

// Dispatch message types
const (
	MessageTypeDispatch  = "dispatch"
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeResult    = "result"
	MessageTypeResultAck = "result-ack"
)

// DispatchMessage is the work assignment written to an executor's channel
type DispatchMessage struct {
	Type             string            `json:"type"`
	TaskID           string            `json:"taskId"`
	StageID          string            `json:"stageId"`
	StageType        StageType         `json:"stageType"`
	Engine           string            `json:"engine"`
	Image            string            `json:"image,omitempty"`
	Command          []string          `json:"command"`
	Env              map[string]string `json:"env,omitempty"`
	CPULimit         float64           `json:"cpuLimit"`
	MemoryLimitMB    int64             `json:"memoryLimitMb"`
	TimeoutSec       int               `json:"timeoutSec"`
	UsePro           bool              `json:"usePro"`
	SecretToken      string            `json:"secretToken,omitempty"`
	APIBaseURL       string            `json:"apiBaseUrl,omitempty"`
	SourceDescriptor SourceDescriptor  `json:"sourceDescriptor"`
	Rules            RuleSelector      `json:"rules,omitempty"`
	Attempt          int               `json:"attempt"`
}

// ResultPayload is the callback an executor sends when a stage finishes
type ResultPayload struct {
	TaskID    string            `json:"taskId"`
	StageID   string            `json:"stageId,omitempty"`
	StageType StageType         `json:"stageType,omitempty"`
	Success   bool              `json:"success"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Log       string            `json:"log,omitempty"`
	Result    string            `json:"result,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	RunLog    string            `json:"runLog,omitempty"`
	Error     string            `json:"error,omitempty"`
	Engine    string            `json:"engine,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
}

// ResultAck answers a result frame. Code is "ok" when the result was
// persisted, otherwise the error class of the rejection.
type ResultAck struct {
	TaskID    string `json:"taskId"`
	StageID   string `json:"stageId,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HeartbeatPayload is the liveness signal an executor sends
type HeartbeatPayload struct {
	CPUUsage      *float64 `json:"cpuUsage,omitempty"`
	MemoryUsageMB *int64   `json:"memoryUsageMb,omitempty"`
}

// Secret represents encrypted sensitive data (repository credentials, pro tokens)
type Secret struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Kind      SecretKind `json:"kind"`
	Data      []byte     `json:"data"` // Encrypted with AES-256-GCM
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SecretKind separates credential payloads from feature tokens
type SecretKind string

const (
	SecretKindRepoCredential SecretKind = "repo-credential"
	SecretKindProToken       SecretKind = "pro-token"
)
