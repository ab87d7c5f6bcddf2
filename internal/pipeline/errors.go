package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/llm"
)

// Kind classifies a pipeline failure. A Kind is itself an error so callers
// can write errors.Is(err, pipeline.KindCancelled).
type Kind string

const (
	KindInputMissing        Kind = "stage-input-missing"
	KindGenerativeFailed    Kind = "generative-call-failed"
	KindValidationExhausted Kind = "validation-exhausted"
	KindCacheUnavailable    Kind = "cache-unavailable"
	KindContractViolation   Kind = "contract-violation"
	KindCancelled           Kind = "cancelled"
)

func (k Kind) Error() string { return string(k) }

// retryable says whether re-triggering a run that failed this way can
// succeed without a change to its input.
func (k Kind) retryable() bool {
	switch k {
	case KindGenerativeFailed, KindValidationExhausted, KindCacheUnavailable, KindCancelled:
		return true
	}
	return false
}

// StageError is a classified failure of one stage.
type StageError struct {
	Stage     Stage
	Kind      Kind
	Message   string
	Retryable bool
	Issues    []Issue
	Err       error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *StageError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func stageErr(stage Stage, kind Kind, err error, format string, args ...any) *StageError {
	return &StageError{
		Stage:     stage,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.retryable(),
		Err:       err,
	}
}

// classify turns an error from a generative step into a StageError.
func classify(stage Stage, err error) *StageError {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, context.Canceled):
		return stageErr(stage, KindCancelled, err, "run cancelled")
	case errors.Is(err, insight.ErrMalformed), errors.Is(err, llm.ErrNoJSON), errors.Is(err, ErrMalformedPatterns):
		return stageErr(stage, KindContractViolation, err, "generative output rejected")
	}
	return stageErr(stage, KindGenerativeFailed, err, "generative call failed")
}
