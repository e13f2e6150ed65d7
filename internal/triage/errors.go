package triage

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// Stage names a pipeline step.
type Stage string

const (
	StagePriority    Stage = "priority_assessment"
	StageObjectives  Stage = "objective_generation"
	StageNarrowing   Stage = "candidate_narrowing"
	StageRanking     Stage = "candidate_ranking"
	StagePersistence Stage = "persistence"
)

// StageError reports which stage aborted the pipeline. Raw holds the model
// output when the failure was parse related.
type StageError struct {
	Stage Stage
	Raw   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("triage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Code returns the error taxonomy code of the underlying failure.
func (e *StageError) Code() string {
	return apperrors.ToDomainError(e.Err).Code
}

// stageFailure classifies err for stage and attaches diagnostics.
func stageFailure(stage Stage, service string, raw string, err error) *StageError {
	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) {
		domainErr = apperrors.NewUpstreamServiceError(service, err).(*apperrors.DomainError)
	}
	if errors.Is(err, context.DeadlineExceeded) && domainErr.Code != apperrors.CodeUpstreamService {
		domainErr = apperrors.NewUpstreamServiceError(service, err).(*apperrors.DomainError)
	}
	if domainErr.Details == nil {
		domainErr.Details = map[string]any{}
	}
	domainErr.Details["stage"] = string(stage)
	if raw != "" {
		domainErr.Details["raw_output"] = raw
	}
	return &StageError{Stage: stage, Raw: raw, Err: domainErr}
}

// StageOf returns the failed stage when err is a StageError.
func StageOf(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
