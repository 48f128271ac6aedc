package workflow

import "time"

// StepStatus is the dispatch state of a step.
type StepStatus string

const (
	// StatusPending is a step not yet looked at
	StatusPending StepStatus = "pending"

	// StatusResolved is a step whose tokens and node reference resolved
	StatusResolved StepStatus = "resolved"

	// StatusDispatched is a step whose handler is running
	StatusDispatched StepStatus = "dispatched"

	// StatusSucceeded is a step that completed
	StatusSucceeded StepStatus = "succeeded"

	// StatusFailed is a step that failed to resolve or execute
	StatusFailed StepStatus = "failed"
)

// Phase tells where a run stopped.
type Phase string

const (
	// PhaseValidation means the workflow never started
	PhaseValidation Phase = "validation"

	// PhaseProvisioning covers node start-up and readiness
	PhaseProvisioning Phase = "provisioning"

	// PhaseExecution covers step dispatch
	PhaseExecution Phase = "execution"

	// PhaseCompleted means every step succeeded
	PhaseCompleted Phase = "completed"
)

// Defaults for wait_for_sync.
const (
	DefaultSyncTimeout  = 30 * time.Second
	DefaultSyncInterval = 2 * time.Second
)

// Default values for admin calls when a step omits them.
const (
	DefaultProtocol       = "near"
	DefaultValidForBlocks = 1000
)
