package model

import "time"

// CredentialStatus is the health state of a classifier API key.
type CredentialStatus string

const (
	CredentialActive      CredentialStatus = "active"
	CredentialRateLimited CredentialStatus = "rate_limited"
	CredentialDisabled    CredentialStatus = "disabled"
)

// Credential is one classifier API key managed by the key pool. Secrets are
// stored encrypted; the pool decrypts on read. A DISABLED credential is never
// selected; RATE_LIMITED keys are skipped until the status is reset.
type Credential struct {
	ID                  string           `json:"id"`
	EncryptedSecret     string           `json:"-"`
	Status              CredentialStatus `json:"status"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	DisabledReason      string           `json:"disabled_reason,omitempty"`
	LastUsedAt          *time.Time       `json:"last_used_at,omitempty"`
	LastSuccessAt       *time.Time       `json:"last_success_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Usable reports whether the pool may hand this credential out.
func (c *Credential) Usable() bool {
	return c.Status == CredentialActive
}
