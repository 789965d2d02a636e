package scheduler

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
	"github.com/vmarkovic/upflow/pkg/sessions"
)

func TestClassifyUploadError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		prevTimeout bool
		wantClass   FailureClass
		wantOutcome models.OutcomeKind
		wantCorrupt bool
	}{
		{
			name:        "first timeout charged to account",
			err:         errors.Wrap(context.DeadlineExceeded, "upload stuck"),
			wantClass:   AccountSpecific,
			wantOutcome: models.FailureOutcome,
			wantCorrupt: true,
		},
		{
			name:        "second consecutive timeout escalates to infrastructure",
			err:         errors.Wrap(context.DeadlineExceeded, "upload stuck"),
			prevTimeout: true,
			wantClass:   ResourceUnavailable,
			wantOutcome: models.FailureOutcome,
			wantCorrupt: true,
		},
		{
			name:        "auth lost",
			err:         &platform.UploadError{Kind: platform.AuthLost, Message: "logged out"},
			wantClass:   AccountSpecific,
			wantOutcome: models.AuthLostOutcome,
			wantCorrupt: true,
		},
		{
			name:        "target-side quota",
			err:         &platform.UploadError{Kind: platform.QuotaRejectedByTarget, Message: "credits drained"},
			wantClass:   AccountSpecific,
			wantOutcome: models.FailureOutcome,
		},
		{
			name:        "transient network",
			err:         &platform.UploadError{Kind: platform.TransientNetwork, Message: "rate limited"},
			wantClass:   ResourceUnavailable,
			wantOutcome: models.FailureOutcome,
		},
		{
			name:        "content rejected is terminal",
			err:         &platform.UploadError{Kind: platform.ContentRejected, Message: "payload invalid"},
			wantClass:   ContentError,
			wantOutcome: models.ContentRejectedOutcome,
		},
		{
			name:        "unknown errors take the account path",
			err:         errors.New("something odd"),
			wantClass:   AccountSpecific,
			wantOutcome: models.FailureOutcome,
			wantCorrupt: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := classifyUploadError(c.err, c.prevTimeout)
			if f.class != c.wantClass {
				t.Errorf("class = %s, want %s", f.class, c.wantClass)
			}
			if f.outcome != c.wantOutcome {
				t.Errorf("outcome = %s, want %s", f.outcome, c.wantOutcome)
			}
			if f.corruptSession != c.wantCorrupt {
				t.Errorf("corruptSession = %v, want %v", f.corruptSession, c.wantCorrupt)
			}
			if f.message == "" {
				t.Error("message must not be empty")
			}
		})
	}
}

func TestClassifySessionError(t *testing.T) {
	f := classifySessionError(errors.Wrap(sessions.ErrSessionNotAuthenticated, "account x"))
	if f.class != AccountSpecific || f.outcome != models.AuthLostOutcome {
		t.Errorf("not-authenticated should be account-specific auth loss, got %s/%s", f.class, f.outcome)
	}

	f = classifySessionError(errors.Wrap(sessions.ErrSessionUnavailable, "provider down"))
	if f.class != ResourceUnavailable {
		t.Errorf("provider faults should be infrastructural, got %s", f.class)
	}

	f = classifySessionError(errors.Wrap(sessions.ErrSessionHealthCheckFailed, "probe timeout"))
	if f.class != ResourceUnavailable {
		t.Errorf("probe failures should be infrastructural, got %s", f.class)
	}
}

func TestWasTimeout(t *testing.T) {
	if !wasTimeout(timeoutMarker + " upload exceeded task budget") {
		t.Error("Expected timeout marker to be recognized")
	}
	if wasTimeout("upload error (AUTH_LOST): logged out") {
		t.Error("Non-timeout errors must not be treated as timeouts")
	}
	if wasTimeout("") {
		t.Error("Empty last error must not be treated as a timeout")
	}
}
