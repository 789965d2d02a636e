package scheduler

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
	"github.com/vmarkovic/upflow/pkg/sessions"
)

// FailureClass is the scheduler's view of why an attempt failed. It decides
// retry behaviour, account binding, and whether the account's health pays.
type FailureClass string

const (
	// ResourceUnavailable: infrastructure fault (no account eligible,
	// session infra down, repeated timeouts). Retried with delay, never
	// charged to any account's health.
	ResourceUnavailable FailureClass = "RESOURCE_UNAVAILABLE"
	// AccountSpecific: the account itself is the problem (auth lost,
	// target-side quota or ban signals). Charged to health; the task is
	// unbound so a different account can be tried next.
	AccountSpecific FailureClass = "ACCOUNT_SPECIFIC"
	// ContentError: the payload is invalid. Terminal, no retry, minimal
	// health impact.
	ContentError FailureClass = "CONTENT_ERROR"
)

// timeoutMarker prefixes LastError for timed-out attempts so the next
// attempt can detect a repeat and escalate to infra suspicion.
const timeoutMarker = "timeout:"

type failure struct {
	class          FailureClass
	outcome        models.OutcomeKind // what the account pool is told, when charged
	message        string
	corruptSession bool // release with keepOpen=false
}

// classifyUploadError maps an adapter error onto the retry taxonomy.
// prevTimedOut marks tasks whose previous attempt also timed out; a second
// consecutive timeout smells like infrastructure, not the account.
func classifyUploadError(err error, prevTimedOut bool) failure {
	if errors.Is(err, context.DeadlineExceeded) {
		f := failure{
			class:          AccountSpecific,
			outcome:        models.FailureOutcome,
			message:        timeoutMarker + " upload exceeded task budget",
			corruptSession: true, // aborted mid-operation, do not reuse
		}
		if prevTimedOut {
			f.class = ResourceUnavailable
		}
		return f
	}

	var uploadErr *platform.UploadError
	if errors.As(err, &uploadErr) {
		switch uploadErr.Kind {
		case platform.AuthLost:
			return failure{class: AccountSpecific, outcome: models.AuthLostOutcome, message: err.Error(), corruptSession: true}
		case platform.QuotaRejectedByTarget:
			return failure{class: AccountSpecific, outcome: models.FailureOutcome, message: err.Error()}
		case platform.TransientNetwork:
			return failure{class: ResourceUnavailable, outcome: models.FailureOutcome, message: err.Error()}
		case platform.ContentRejected:
			return failure{class: ContentError, outcome: models.ContentRejectedOutcome, message: err.Error()}
		}
	}
	// unknown errors take the account-specific path with retries left to the
	// attempt budget; health decay suspends a genuinely broken account
	return failure{class: AccountSpecific, outcome: models.FailureOutcome, message: err.Error(), corruptSession: true}
}

// classifySessionError maps session acquisition failures. Provider faults are
// infrastructural; a lost login is the account's problem.
func classifySessionError(err error) failure {
	if errors.Is(err, sessions.ErrSessionNotAuthenticated) {
		return failure{class: AccountSpecific, outcome: models.AuthLostOutcome, message: err.Error()}
	}
	return failure{class: ResourceUnavailable, message: err.Error()}
}

func wasTimeout(lastError string) bool {
	return strings.HasPrefix(lastError, timeoutMarker)
}
