package schema

import "strings"

// Filter selects records for list views. Zero-valued fields match everything.
type Filter struct {
	ShelterID   string
	FamilyGroup string
	Status      HeartRateStatus
	PendingOnly bool
	// Query matches case-insensitively against name, address and tag id.
	Query string
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.ShelterID != "" && r.ShelterID != f.ShelterID {
		return false
	}
	if f.FamilyGroup != "" && !strings.EqualFold(r.FamilyGroup, f.FamilyGroup) {
		return false
	}
	if f.Status != "" && r.Vital.Status() != f.Status {
		return false
	}
	if f.PendingOnly && !r.Pending() {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(r.Name), q) &&
			!strings.Contains(strings.ToLower(r.Address), q) &&
			!strings.Contains(strings.ToLower(r.TagID), q) {
			return false
		}
	}
	return true
}
