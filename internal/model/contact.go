package model

import (
	"strings"
	"time"
)

// Contact is a messaging participant tracked in the CRM. Identity is the
// pair (PlatformUserID, PageID); contacts are upserted by the sync engine
// and never deleted by it.
type Contact struct {
	ID                 string     `json:"id"`
	PlatformUserID     string     `json:"platform_user_id"`
	PageID             string     `json:"page_id"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	LastInteraction    *time.Time `json:"last_interaction,omitempty"`
	AIContext          string     `json:"ai_context,omitempty"`
	AIContextUpdatedAt *time.Time `json:"ai_context_updated_at,omitempty"`
	PipelineID         string     `json:"pipeline_id,omitempty"`
	StageID            string     `json:"stage_id,omitempty"`
	LeadScore          int        `json:"lead_score"`
	LeadStatus         string     `json:"lead_status,omitempty"`
	StageEnteredAt     *time.Time `json:"stage_entered_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// LastSyncedAt returns the most recent point this contact was analyzed or
// interacted, used as the differential-sync watermark. Nil means the contact
// has never been synced and the full transcript should be considered.
func (c *Contact) LastSyncedAt() *time.Time {
	t := c.AIContextUpdatedAt
	if c.LastInteraction != nil && (t == nil || c.LastInteraction.After(*t)) {
		t = c.LastInteraction
	}
	return t
}

// FullName joins the name parts, tolerating either being empty.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// SplitDisplayName breaks a free-form display name into first/last parts.
// Everything after the first token becomes the last name.
func SplitDisplayName(name string) (first, last string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// Activity is an audit-log row recorded for contact mutations such as stage
// assignment. Duplicate (ContactID, Kind, DedupeKey) rows are skipped on insert.
type Activity struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	DedupeKey string    `json:"dedupe_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity kinds written by the sync engine.
const (
	ActivityStageAssigned = "stage_assigned"
	ActivityStageSkipped  = "stage_skipped"
	ActivityContactSynced = "contact_synced"
)
