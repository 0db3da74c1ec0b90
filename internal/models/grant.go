package models

import (
	"time"

	"github.com/google/uuid"
)

// GrantStatus is the lifecycle state of a persisted grant.
type GrantStatus string

const (
	StatusActive        GrantStatus = "active"
	StatusExpired       GrantStatus = "expired"
	StatusPendingReview GrantStatus = "pending_review"
)

// Valid reports whether s is one of the known lifecycle states.
func (s GrantStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusPendingReview:
		return true
	}
	return false
}

// Grant is the canonical funding opportunity record shared by every source.
type Grant struct {
	ID                 uuid.UUID   `json:"id"`
	Source             string      `json:"source"`
	ExternalID         string      `json:"external_id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Agency             string      `json:"agency"`
	AwardMin           *int64      `json:"award_min"`
	AwardMax           *int64      `json:"award_max"`
	OpenDate           *time.Time  `json:"open_date"`
	CloseDate          *time.Time  `json:"close_date"`
	Deadline           *time.Time  `json:"deadline"` // application deadline, falls back to close date
	EligibleApplicants []string    `json:"eligible_applicants"`
	Domains            []string    `json:"domains"` // industry/domain tags from the fixed vocabulary
	Tags               []string    `json:"tags"`
	Requirements       []string    `json:"requirements"`
	FundingType        string      `json:"funding_type"` // research, business, community, education, ...
	URL                string      `json:"url"`
	Status             GrantStatus `json:"status"`
	LastSyncedAt       time.Time   `json:"last_synced_at"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TargetAward returns the amount a proposal should be compared against:
// the ceiling when known, otherwise the floor.
func (g Grant) TargetAward() (int64, bool) {
	if g.AwardMax != nil && *g.AwardMax > 0 {
		return *g.AwardMax, true
	}
	if g.AwardMin != nil && *g.AwardMin > 0 {
		return *g.AwardMin, true
	}
	return 0, false
}

// ProposalDocument is a text artifact owned by the document subsystem
// (business plan, letter, generated proposal).
type ProposalDocument struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// Text joins every free-text field of the document.
func (d ProposalDocument) Text() string {
	out := d.Title
	for _, part := range []string{d.Summary, d.Content} {
		if part == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part
	}
	return out
}
