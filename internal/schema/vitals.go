package schema

// HeartRateStatus is the triage level derived from a BPM reading.
type HeartRateStatus string

const (
	HeartRateNormal   HeartRateStatus = "normal"
	HeartRateWarning  HeartRateStatus = "warning"
	HeartRateCritical HeartRateStatus = "critical"
	// HeartRateUnknown is reported for records with no captured reading.
	HeartRateUnknown HeartRateStatus = "unknown"
)

// heartRateRange maps an inclusive BPM interval to a status.
type heartRateRange struct {
	min, max int
	status   HeartRateStatus
}

var heartRateRanges = []heartRateRange{
	{60, 100, HeartRateNormal},
	{40, 59, HeartRateWarning},
	{101, 120, HeartRateWarning},
	{0, 39, HeartRateCritical},
	{121, MaxBPM, HeartRateCritical},
}

// ClassifyHeartRate returns the status for bpm. Readings outside every
// known range are critical.
func ClassifyHeartRate(bpm int) HeartRateStatus {
	for _, r := range heartRateRanges {
		if bpm >= r.min && bpm <= r.max {
			return r.status
		}
	}
	return HeartRateCritical
}

// ParseHeartRateStatus converts a user supplied status name.
func ParseHeartRateStatus(s string) (HeartRateStatus, bool) {
	switch HeartRateStatus(s) {
	case HeartRateNormal, HeartRateWarning, HeartRateCritical, HeartRateUnknown:
		return HeartRateStatus(s), true
	}
	return "", false
}
