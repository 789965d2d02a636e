package models

import "time"

type AccountStatus string

const (
	ActiveAccountStatus    AccountStatus = "ACTIVE"
	SuspendedAccountStatus AccountStatus = "SUSPENDED"
	DisabledAccountStatus  AccountStatus = "DISABLED"
)

// Account represents a managed external identity on whose behalf uploads run.
// Credentials themselves never pass through the core; CredentialsRef is an
// opaque handle resolved by the account-management layer.
type Account struct {
	ID               string        `json:"id" db:"id"`
	CredentialsRef   string        `json:"credentials_ref" db:"credentials_ref"`
	Status           AccountStatus `json:"status" db:"status"`
	HealthScore      int           `json:"health_score" db:"health_score"` // clamped to [0,100]
	DailyUploadCount int           `json:"daily_upload_count" db:"daily_upload_count"`
	DailyUploadLimit int           `json:"daily_upload_limit" db:"daily_upload_limit"`
	LastActionTime   *time.Time    `json:"last_action_time,omitempty" db:"last_action_time"`
	BoundSessionID   *string       `json:"bound_session_id,omitempty" db:"bound_session_id"`
	ProxyConfig      string        `json:"proxy_config,omitempty" db:"proxy_config"`
	NeedsReauth      bool          `json:"needs_reauth" db:"needs_reauth"`
	Version          int64         `json:"version" db:"version"` // optimistic concurrency token
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// QuotaExhausted reports whether the account hit its daily cap.
func (a Account) QuotaExhausted() bool {
	return a.DailyUploadCount >= a.DailyUploadLimit
}
