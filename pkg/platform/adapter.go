package platform

import (
	"context"
	"fmt"

	"github.com/vmarkovic/upflow/pkg/models"
)

// ErrorKind is the closed set of failure classes the adapter may report.
type ErrorKind string

const (
	AuthLost              ErrorKind = "AUTH_LOST"
	QuotaRejectedByTarget ErrorKind = "QUOTA_REJECTED_BY_TARGET"
	TransientNetwork      ErrorKind = "TRANSIENT_NETWORK"
	ContentRejected       ErrorKind = "CONTENT_REJECTED" // payload itself invalid, never retried
	Unknown               ErrorKind = "UNKNOWN"
)

// UploadError carries the adapter's classification of a failed upload.
type UploadError struct {
	Kind    ErrorKind
	Message string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload error (%s): %s", e.Kind, e.Message)
}

// Adapter is the contract the core consumes for the actual upload work.
// The DOM interaction behind PerformUpload is entirely out of the core's
// hands; the core only interprets the returned result or UploadError.
type Adapter interface {
	// CheckSession verifies the login state of an open session.
	CheckSession(ctx context.Context, session *models.Session) (bool, error)
	// PerformUpload runs one upload against the session and returns an opaque
	// result reference. Failures should be *UploadError where classifiable.
	PerformUpload(ctx context.Context, session *models.Session, payloadRef string) (string, error)
	// Abort best-effort cancels an in-flight upload on the session. Called by
	// workers on task timeout or cancellation before the session is released.
	Abort(ctx context.Context, session *models.Session) error
}
