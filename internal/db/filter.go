package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/david/grant-sync/internal/models"
)

var (
	// ErrRepositoryWrite wraps every persistence failure on the write path.
	ErrRepositoryWrite = errors.New("repository write failed")
	// ErrInvalidFilter is returned synchronously by Search for bad parameters.
	ErrInvalidFilter = errors.New("invalid search filter")
	ErrNotFound      = errors.New("grant not found")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Filter selects grants for Search. Zero values mean "no constraint".
type Filter struct {
	Query         string             // matched against title, description and agency
	Eligibility   []string           // any overlap with eligible applicant categories
	MinAmount     *int64             // award ceiling (or floor when no ceiling) at least this
	MaxAmount     *int64             // award floor (or ceiling when no floor) at most this
	Tags          []string           // any overlap with tags or domains
	DeadlineAfter *time.Time         // deadline on or after this instant
	Status        models.GrantStatus // empty matches every status
	Source        string
	Limit         int
	Offset        int
}

// SearchResult is one page of grants plus the total match count.
type SearchResult struct {
	Grants []models.Grant `json:"grants"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// Normalize validates f and returns a copy with defaults applied and list
// values trimmed.
func (f Filter) Normalize() (Filter, error) {
	out := f
	out.Query = strings.TrimSpace(f.Query)
	out.Source = strings.TrimSpace(f.Source)
	out.Eligibility = sanitizeStringSlice(f.Eligibility)
	out.Tags = sanitizeStringSlice(f.Tags)

	switch {
	case f.Limit < 0:
		return Filter{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidFilter)
	case f.Limit > MaxPageSize:
		return Filter{}, fmt.Errorf("%w: limit %d exceeds maximum %d", ErrInvalidFilter, f.Limit, MaxPageSize)
	case f.Limit == 0:
		out.Limit = DefaultPageSize
	}
	if f.Offset < 0 {
		return Filter{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidFilter)
	}
	if f.MinAmount != nil && *f.MinAmount < 0 {
		return Filter{}, fmt.Errorf("%w: min amount must not be negative", ErrInvalidFilter)
	}
	if f.MaxAmount != nil && *f.MaxAmount < 0 {
		return Filter{}, fmt.Errorf("%w: max amount must not be negative", ErrInvalidFilter)
	}
	if f.MinAmount != nil && f.MaxAmount != nil && *f.MinAmount > *f.MaxAmount {
		return Filter{}, fmt.Errorf("%w: min amount %d is greater than max amount %d", ErrInvalidFilter, *f.MinAmount, *f.MaxAmount)
	}
	if f.Status != "" && !f.Status.Valid() {
		return Filter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	return out, nil
}

// likePattern escapes LIKE wildcards so user text matches literally.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func sanitizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// upsertable reports whether a record carries its conflict key.
func upsertable(g models.Grant) bool {
	return strings.TrimSpace(g.Source) != "" && strings.TrimSpace(g.ExternalID) != ""
}

// prepareGrant fills repository-owned fields before a write.
func prepareGrant(g models.Grant, now time.Time) models.Grant {
	if g.Status == "" || !g.Status.Valid() {
		g.Status = models.StatusActive
	}
	if g.LastSyncedAt.IsZero() {
		g.LastSyncedAt = now
	}
	g.LastSyncedAt = g.LastSyncedAt.UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	return g
}
