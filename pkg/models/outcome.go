package models

// OutcomeKind classifies the result of one upload attempt from the account's
// point of view. The scheduler maps adapter errors onto these kinds; the
// account pool only ever sees an OutcomeKind, never a raw adapter error.
type OutcomeKind string

const (
	SuccessOutcome         OutcomeKind = "SUCCESS"
	FailureOutcome         OutcomeKind = "FAILURE"
	AuthLostOutcome        OutcomeKind = "AUTH_LOST"
	ContentRejectedOutcome OutcomeKind = "CONTENT_REJECTED"
)

// Outcome is what a worker reports back after an attempt finishes.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

func (o Outcome) Success() bool {
	return o.Kind == SuccessOutcome
}
