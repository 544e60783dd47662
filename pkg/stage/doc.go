/*
Package stage produces the stages of a task pipeline.

	SAST: SOURCE_PREPARE -> RULES_PREPARE -> SCAN_EXEC -> RESULT_PROCESS -> RESULT_REVIEW
	SCA:  SCA_SOURCE_PREPARE -> SCA_SCAN_EXEC -> SCA_RESULT_PROCESS -> SCA_RESULT_REVIEW

Tasks assigned to an executor start at scan-exec. The stage is prepared for
dispatch first, persisted RUNNING, then written to the executor channel; a
failed write deletes it again. Everything else runs in process and persists
a terminal stage. A local scan-exec feeds its outcome through result
ingestion, the same path as an executor callback.

Skipped stages record why in Spec.Reason (ai_review_disabled,
no_eligible_severities, no_client_configured, no_findings, no_sbom).
*/
package stage
