package audit

import "time"

// ActorType identifies who performed an action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Action describes what was done.
type Action string

const (
	ActionPipelineTriggered Action = "pipeline_triggered"
	ActionStageEntered      Action = "stage_entered"
	ActionRevisionRequested Action = "revision_requested"
	ActionPipelineCompleted Action = "pipeline_completed"
	ActionPipelineFailed    Action = "pipeline_failed"
	ActionProgressFailed    Action = "progress_failed"
	ActionEvidenceCached    Action = "evidence_cached"
)

// Scope describes the level at which an action applies.
type Scope string

const (
	ScopeSession  Scope = "session"
	ScopePatient  Scope = "patient"
	ScopeEvidence Scope = "evidence"
)

// Entry is a single audit trail record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ActorType ActorType `json:"actorType"`
	ActorID   string    `json:"actorId"`
	Action    Action    `json:"action"`
	Scope     Scope     `json:"scope"`
	ScopeID   string    `json:"scopeId"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
}
