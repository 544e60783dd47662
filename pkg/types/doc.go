/*
Package types defines the domain model shared by every scanplane package.

# Entities

	Executor   a remote worker that runs scan stages for one tenant
	Task       one scan request (SAST or SCA) against one source tree
	Stage      one step of a task pipeline, tied to the task by TaskID
	Secret     an encrypted repository credential or engine pro token

Tasks move PENDING → RUNNING → SUCCEEDED | FAILED | CANCELED. The terminal
statuses never change again. Stages are RUNNING until they are SUCCEEDED,
FAILED or SKIPPED; a SKIPPED stage records why in Spec.Reason.

# Pipelines

	SAST  SOURCE_PREPARE → RULES_PREPARE → SCAN_EXEC → RESULT_PROCESS → RESULT_REVIEW
	SCA   SCA_SOURCE_PREPARE → SCA_SCAN_EXEC → SCA_RESULT_PROCESS → SCA_RESULT_REVIEW

# Wire messages

DispatchMessage is what the control plane writes to an executor channel.
ResultPayload is what an executor sends back when a stage ends, over the
channel or the HTTP callback. HeartbeatPayload carries optional usage.

All JSON field names are camelCase and match the HTTP API.
*/
package types
