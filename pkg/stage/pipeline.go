package stage

import "github.com/cuemby/scanplane/pkg/types"

// Skip reasons recorded in Stage.Spec.Reason
const (
	ReasonReviewDisabled     = "ai_review_disabled"
	ReasonNoEligibleSeverity = "no_eligible_severities"
	ReasonNoClient           = "no_client_configured"
	ReasonNoFindings         = "no_findings"
	ReasonNoSBOM             = "no_sbom"
)

var pipelines = map[types.TaskType][]types.StageType{
	types.TaskTypeSAST: {
		types.StageSourcePrepare,
		types.StageRulesPrepare,
		types.StageScanExec,
		types.StageResultProcess,
		types.StageResultReview,
	},
	types.TaskTypeSCA: {
		types.StageSCASourcePrepare,
		types.StageSCAScanExec,
		types.StageSCAResultProcess,
		types.StageSCAResultReview,
	},
}

// Pipeline returns the stages of a task in order. Remote tasks start at
// scan-exec because executors prepare source and rules themselves.
func Pipeline(taskType types.TaskType, remote bool) []types.StageType {
	stages := pipelines[taskType]
	if !remote {
		return stages
	}
	for i, st := range stages {
		if st.IsScanExec() {
			return stages[i:]
		}
	}
	return stages
}

// ScanExecType is the scan-exec stage of taskType
func ScanExecType(taskType types.TaskType) types.StageType {
	if taskType == types.TaskTypeSCA {
		return types.StageSCAScanExec
	}
	return types.StageScanExec
}

// Next returns the stage that follows completed in the pipeline of taskType
func Next(taskType types.TaskType, completed types.StageType) (types.StageType, bool) {
	stages := pipelines[taskType]
	for i, st := range stages {
		if st == completed && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

func isSourcePrepare(t types.StageType) bool {
	return t == types.StageSourcePrepare || t == types.StageSCASourcePrepare
}

func isResultProcess(t types.StageType) bool {
	return t == types.StageResultProcess || t == types.StageSCAResultProcess
}

func isResultReview(t types.StageType) bool {
	return t == types.StageResultReview || t == types.StageSCAResultReview
}
