package schema

import (
	"fmt"
	"strings"
	"time"
)

// SyncState tells whether the remote service has confirmed a record version.
type SyncState string

const (
	// SyncSynced means the remote service has this exact version.
	SyncSynced SyncState = "synced"
	// SyncPending means the local version has not been confirmed remotely.
	SyncPending SyncState = "pending"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	return s == SyncSynced || s == SyncPending
}

// MaxBPM bounds accepted heart-rate readings.
const MaxBPM = 300

// Coordinates is an optional structured location for a record.
type Coordinates struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// VitalSign is the most recent heart-rate reading for a record.
// It is always replaced wholesale, never merged field by field.
type VitalSign struct {
	BPM        int       `json:"bpm" yaml:"bpm"`
	CapturedAt time.Time `json:"captured_at" yaml:"captured_at"`
}

// IsZero reports whether no reading has been captured.
func (v VitalSign) IsZero() bool {
	return v.BPM == 0 && v.CapturedAt.IsZero()
}

// Equal reports whether v and o are the same reading.
func (v VitalSign) Equal(o VitalSign) bool {
	return v.BPM == o.BPM && v.CapturedAt.Equal(o.CapturedAt)
}

// Status classifies the reading. See ClassifyHeartRate.
func (v VitalSign) Status() HeartRateStatus {
	if v.IsZero() {
		return HeartRateUnknown
	}
	return ClassifyHeartRate(v.BPM)
}

// Record is a tracked person.
type Record struct {
	// ===== Identity (immutable) =====
	ID string `json:"id" yaml:"id"`

	// ===== Identity & placement (mutable) =====
	Name        string       `json:"name" yaml:"name"`
	Address     string       `json:"address,omitempty" yaml:"address,omitempty"`
	Location    *Coordinates `json:"location,omitempty" yaml:"location,omitempty"`
	ShelterID   string       `json:"shelter_id" yaml:"shelter_id"`
	FamilyGroup string       `json:"family_group,omitempty" yaml:"family_group,omitempty"`
	Notes       string       `json:"notes,omitempty" yaml:"notes,omitempty"`
	TagID       string       `json:"tag_id,omitempty" yaml:"tag_id,omitempty"`

	// ===== Vitals =====
	Vital VitalSign `json:"vital_sign" yaml:"vital_sign"`

	// ===== Engine-stamped =====
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	SyncState SyncState `json:"sync_state" yaml:"sync_state"`
}

// Validate checks that a stored or received record is well formed.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if r.Vital.BPM < 0 || r.Vital.BPM > MaxBPM {
		return fmt.Errorf("bpm must be between 0 and %d (got %d)", MaxBPM, r.Vital.BPM)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("updated_at must not precede created_at")
	}
	if r.SyncState != "" && !r.SyncState.Valid() {
		return fmt.Errorf("unknown sync state %q", r.SyncState)
	}
	return nil
}

// Pending reports whether the record still needs to be pushed remotely.
func (r Record) Pending() bool {
	return r.SyncState != SyncSynced
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return r
}

// WithMutableFields returns r with the caller-editable fields taken from src.
// ID, CreatedAt, UpdatedAt and SyncState are kept from r. A non-zero vital
// sign in src that differs from r's replaces it wholesale, even without a
// capture time; a zero one keeps r's reading.
func (r Record) WithMutableFields(src Record) Record {
	out := r.Clone()
	out.Name = src.Name
	out.Address = src.Address
	out.ShelterID = src.ShelterID
	out.FamilyGroup = src.FamilyGroup
	out.Notes = src.Notes
	out.TagID = src.TagID
	out.Location = nil
	if src.Location != nil {
		loc := *src.Location
		out.Location = &loc
	}
	if !src.Vital.IsZero() && !src.Vital.Equal(r.Vital) {
		out.Vital = src.Vital
	}
	return out
}

// Candidate is the input for registering a new record.
type Candidate struct {
	Name        string       `json:"name" yaml:"name"`
	Address     string       `json:"address,omitempty" yaml:"address,omitempty"`
	Location    *Coordinates `json:"location,omitempty" yaml:"location,omitempty"`
	ShelterID   string       `json:"shelter_id" yaml:"shelter_id"`
	FamilyGroup string       `json:"family_group,omitempty" yaml:"family_group,omitempty"`
	Notes       string       `json:"notes,omitempty" yaml:"notes,omitempty"`
	TagID       string       `json:"tag_id,omitempty" yaml:"tag_id,omitempty"`
	Vital       VitalSign    `json:"vital_sign" yaml:"vital_sign"`
}

// Validate performs the defensive checks applied at registration.
// Shelter assignment is validated by the form layer, not here.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if c.Vital.BPM < 0 || c.Vital.BPM > MaxBPM {
		return fmt.Errorf("bpm must be between 0 and %d (got %d)", MaxBPM, c.Vital.BPM)
	}
	return nil
}

// ToRecord builds a record from the candidate. The caller stamps the id,
// timestamps and sync state.
func (c Candidate) ToRecord(id string) Record {
	rec := Record{
		ID:          id,
		Name:        strings.TrimSpace(c.Name),
		Address:     c.Address,
		ShelterID:   c.ShelterID,
		FamilyGroup: c.FamilyGroup,
		Notes:       c.Notes,
		TagID:       c.TagID,
		Vital:       c.Vital,
	}
	if c.Location != nil {
		loc := *c.Location
		rec.Location = &loc
	}
	return rec
}
