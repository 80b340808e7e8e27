package pipeline

import "errors"

var (
	// ErrSynthesisFailure wraps a backend error for a single sentence.
	ErrSynthesisFailure = errors.New("synthesis failed")
	ErrSchedulerClosed  = errors.New("scheduler closed")
	ErrInputClosed      = errors.New("pipeline input closed")
)
