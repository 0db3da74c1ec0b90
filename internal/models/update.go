package models

import (
	"time"

	"github.com/google/uuid"
)

type UpdateType string

const (
	UpdateFull  UpdateType = "full"
	UpdateQuick UpdateType = "quick"
)

// SourceOutcome is the per-source result of one scheduler run.
type SourceOutcome struct {
	Source  string `json:"source"`
	Fetched int    `json:"fetched"`
	Saved   int    `json:"saved"`
	Error   string `json:"error,omitempty"`
}

// UpdateRecord is one historical scheduler run. Records are append-only.
type UpdateRecord struct {
	ID        uuid.UUID       `json:"id"`
	Type      UpdateType      `json:"type"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Outcomes  []SourceOutcome `json:"outcomes"`
	Success   bool            `json:"success"`
}

// AgencyCount is a reporting aggregate recomputed by the cleanup pass.
type AgencyCount struct {
	Agency string `json:"agency"`
	Active int    `json:"active"`
	Total  int    `json:"total"`
}
