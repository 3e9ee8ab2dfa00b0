package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TagReading is one heart-rate sample emitted by a wearable tag.
// Either TagID or RecordID identifies the person.
type TagReading struct {
	TagID      string    `json:"tag_id,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	BPM        int       `json:"bpm"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks the reading.
func (r *TagReading) Validate() error {
	if r.TagID == "" && r.RecordID == "" {
		return fmt.Errorf("tag_id or record_id is required")
	}
	if r.BPM < 0 || r.BPM > MaxBPM {
		return fmt.Errorf("bpm must be between 0 and %d (got %d)", MaxBPM, r.BPM)
	}
	return nil
}

// Filename returns a unique-enough filename for the reading.
func (r *TagReading) Filename() string {
	who := r.TagID
	if who == "" {
		who = r.RecordID
	}
	return fmt.Sprintf("%s-%d.json", who, r.CapturedAt.UnixNano())
}

// ReadTagReading reads and validates a reading file.
func ReadTagReading(path string) (*TagReading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reading file %s: %w", path, err)
	}

	var r TagReading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse reading file %s: %w", path, err)
	}

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reading file %s: %w", path, err)
	}

	return &r, nil
}

// WriteTagReading writes a reading into dir and returns its path.
// The file is written under a temporary name and renamed so watchers never
// observe a partial file.
func WriteTagReading(dir string, r *TagReading) (string, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid reading: %w", err)
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create inbox directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal reading: %w", err)
	}

	path := filepath.Join(dir, r.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write reading file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to publish reading file %s: %w", path, err)
	}

	return path, nil
}
