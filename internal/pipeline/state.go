package pipeline

import (
	"encoding/json"
	"time"

	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/trends"
)

// Stage is one step of the pipeline.
type Stage string

const (
	StageDecomposition Stage = "decomposition"
	StageResearch      Stage = "research"
	StageAnalysis      Stage = "analysis"
	StageValidation    Stage = "validation"
	StageProgress      Stage = "progress"
)

// Status is the state machine position of a run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusDecomposition Status = Status(StageDecomposition)
	StatusResearch      Status = Status(StageResearch)
	StatusAnalysis      Status = Status(StageAnalysis)
	StatusValidation    Status = Status(StageValidation)
	StatusProgress      Status = Status(StageProgress)
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// MaxRevisions is the number of failed validations after which a run gives
// up. The synthesis stage therefore runs at most MaxRevisions times.
const MaxRevisions = 3

// ErrorRecord is the error attached to a terminal error state.
type ErrorRecord struct {
	Stage     Stage   `json:"stage"`
	Kind      Kind    `json:"kind"`
	Message   string  `json:"message"`
	Retryable bool    `json:"retryable"`
	Issues    []Issue `json:"issues,omitempty"`
}

// State is the live record of one session's run. Only the orchestrator
// mutates it; everything handed out is a copy.
type State struct {
	SessionID     string            `json:"sessionId"`
	PatientID     string            `json:"patientId,omitempty"`
	Status        Status            `json:"status"`
	Stage         Stage             `json:"stage,omitempty"`
	Revision      int               `json:"revision"`
	Decomposition *Decomposition    `json:"decomposition,omitempty"`
	Research      *Research         `json:"research,omitempty"`
	Analysis      *insight.Analysis `json:"analysis,omitempty"`
	Validation    *Validation       `json:"validation,omitempty"`
	Progress      *trends.Progress  `json:"progress,omitempty"`
	// ProgressError is set when the progress stage failed; the run still
	// completes.
	ProgressError string       `json:"progressError,omitempty"`
	Error         *ErrorRecord `json:"error,omitempty"`
	Usage         llm.Usage    `json:"usage"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Terminal reports whether the run has finished.
func (s *State) Terminal() bool { return s.Status.Terminal() }

// Clone deep-copies the state through its JSON form. Stage outputs are
// treated as immutable once set, so the copy is only needed at the edges.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

func (s *State) fail(se *StageError, now time.Time) {
	s.Status = StatusError
	s.Stage = se.Stage
	s.Error = &ErrorRecord{
		Stage:     se.Stage,
		Kind:      se.Kind,
		Message:   se.Message,
		Retryable: se.Retryable,
		Issues:    se.Issues,
	}
	if se.Err != nil {
		s.Error.Message += ": " + se.Err.Error()
	}
	s.CompletedAt = &now
	s.UpdatedAt = now
}
