// Package models defines the records the offline engine persists locally
// and synchronizes with the server: surveys, photos and queue items.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncStatus tracks how far a locally captured survey has travelled
// towards the server.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

var ErrInvalidSection = errors.New("invalid section payload")

// SectionSet maps a section name to its raw form payload. The engine treats
// payloads as opaque JSON objects; field-level validation belongs to the
// form layer, which may register per-section validators (see RegisterSection).
type SectionSet map[string]json.RawMessage

// sectionValidators holds optional schema validators keyed by section name.
// Registration happens at init time from the form layer, so no locking.
var sectionValidators = map[string]func(json.RawMessage) error{}

// RegisterSection installs a validator for the given section name. Payloads
// written via SectionSet.Set for that name must pass the validator.
func RegisterSection(name string, validate func(json.RawMessage) error) {
	sectionValidators[name] = validate
}

// Set stores a section payload after checking it is a JSON object and, when
// a validator is registered for the name, that it passes validation.
func (s SectionSet) Set(name string, payload json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("%w: section %q: %v", ErrInvalidSection, name, err)
	}
	if validate, ok := sectionValidators[name]; ok {
		if err := validate(payload); err != nil {
			return fmt.Errorf("%w: section %q: %v", ErrInvalidSection, name, err)
		}
	}
	s[name] = payload
	return nil
}

// OfflineSurvey is a survey captured in the field, persisted locally before
// any network round-trip. Its ID is client-generated and never reassigned.
type OfflineSurvey struct {
	// ID is a globally unique, client-generated identifier.
	ID string

	// OrgID is the owning organization.
	OrgID string

	// CustomerID optionally links the survey to a customer record.
	CustomerID string

	// Sections holds per-section form payloads keyed by section name.
	Sections SectionSet

	// ActiveSection is the section the technician is currently editing.
	ActiveSection string

	// UpdatedAt is the last local modification time in UTC. It never
	// decreases across writes.
	UpdatedAt time.Time

	// Status reflects sync progress; see SyncStatus.
	Status SyncStatus

	// LastError holds a human-readable reason when Status is error.
	LastError string
}

// SurveyUpsert is the wire payload for the server's idempotent upsert,
// snapshotted at enqueue time.
type SurveyUpsert struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	CustomerID    string     `json:"customer_id,omitempty"`
	Sections      SectionSet `json:"sections"`
	ActiveSection string     `json:"active_section,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Snapshot serializes the survey into the payload sent to the server.
func (s *OfflineSurvey) Snapshot() (json.RawMessage, error) {
	u := SurveyUpsert{
		ID:            s.ID,
		OrgID:         s.OrgID,
		CustomerID:    s.CustomerID,
		Sections:      s.Sections,
		ActiveSection: s.ActiveSection,
		UpdatedAt:     s.UpdatedAt,
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot survey %s: %w", s.ID, err)
	}
	return b, nil
}
