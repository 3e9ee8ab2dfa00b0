package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestClassifyHeartRate(t *testing.T) {
	tests := []struct {
		bpm  int
		want HeartRateStatus
	}{
		{0, HeartRateCritical},
		{39, HeartRateCritical},
		{40, HeartRateWarning},
		{59, HeartRateWarning},
		{60, HeartRateNormal},
		{72, HeartRateNormal},
		{100, HeartRateNormal},
		{101, HeartRateWarning},
		{120, HeartRateWarning},
		{121, HeartRateCritical},
		{300, HeartRateCritical},
		{-5, HeartRateCritical},
	}

	for _, tt := range tests {
		if got := ClassifyHeartRate(tt.bpm); got != tt.want {
			t.Errorf("ClassifyHeartRate(%d) = %s, want %s", tt.bpm, got, tt.want)
		}
	}
}

func TestVitalSignStatus(t *testing.T) {
	if got := (VitalSign{}).Status(); got != HeartRateUnknown {
		t.Errorf("zero vital sign status = %s, want unknown", got)
	}
	v := VitalSign{BPM: 130, CapturedAt: time.Now()}
	if got := v.Status(); got != HeartRateCritical {
		t.Errorf("status = %s, want critical", got)
	}
}

func TestParseHeartRateStatus(t *testing.T) {
	if s, ok := ParseHeartRateStatus("warning"); !ok || s != HeartRateWarning {
		t.Errorf("ParseHeartRateStatus(warning) = %s, %v", s, ok)
	}
	if _, ok := ParseHeartRateStatus("fine"); ok {
		t.Error("expected unknown status name to be rejected")
	}
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Candidate
		wantErr string
	}{
		{"valid", Candidate{Name: "Maria", ShelterID: "shelter-1"}, ""},
		{"blank name", Candidate{Name: "   "}, "name is required"},
		{"negative bpm", Candidate{Name: "Ana", Vital: VitalSign{BPM: -1}}, "bpm must be between"},
		{"bpm too high", Candidate{Name: "Ana", Vital: VitalSign{BPM: 301}}, "bpm must be between"},
		{"no shelter is fine", Candidate{Name: "Ana"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now()
	good := Record{ID: "p-1", Name: "Joao", CreatedAt: now, UpdatedAt: now, SyncState: SyncPending}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	bad := good
	bad.UpdatedAt = now.Add(-time.Minute)
	if err := bad.Validate(); err == nil {
		t.Error("expected updated_at before created_at to be rejected")
	}

	bad = good
	bad.SyncState = "lost"
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown sync state to be rejected")
	}

	bad = good
	bad.ID = ""
	if err := bad.Validate(); err == nil {
		t.Error("expected missing id to be rejected")
	}
}

func TestWithMutableFields(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	base := Record{
		ID:        "p-1",
		Name:      "Old",
		ShelterID: "shelter-1",
		Vital:     VitalSign{BPM: 80, CapturedAt: created},
		CreatedAt: created,
		UpdatedAt: created,
		SyncState: SyncSynced,
	}

	src := Record{
		ID:        "p-other",
		Name:      "New",
		ShelterID: "shelter-2",
		Location:  &Coordinates{Latitude: -23.5, Longitude: -46.6},
		SyncState: SyncPending,
	}

	got := base.WithMutableFields(src)
	if got.ID != "p-1" || !got.CreatedAt.Equal(created) || got.SyncState != SyncSynced {
		t.Errorf("engine fields were overwritten: %+v", got)
	}
	if got.Name != "New" || got.ShelterID != "shelter-2" {
		t.Errorf("mutable fields not applied: %+v", got)
	}
	if got.Vital.BPM != 80 {
		t.Errorf("vital sign replaced by zero reading: %+v", got.Vital)
	}

	src.Location.Latitude = 0
	if got.Location.Latitude != -23.5 {
		t.Error("location aliases the source record")
	}

	src.Vital = VitalSign{BPM: 50, CapturedAt: created.Add(time.Hour)}
	got = base.WithMutableFields(src)
	if got.Vital.BPM != 50 {
		t.Errorf("vital sign not replaced: %+v", got.Vital)
	}

	// A new reading without a capture time still replaces the old one.
	src.Vital = VitalSign{BPM: 110}
	got = base.WithMutableFields(src)
	if got.Vital.BPM != 110 || !got.Vital.CapturedAt.IsZero() {
		t.Errorf("untimed vital sign not replaced: %+v", got.Vital)
	}

	src.Vital = VitalSign{BPM: 80, CapturedAt: created.In(time.FixedZone("BRT", -3*3600))}
	got = base.WithMutableFields(src)
	if !got.Vital.Equal(base.Vital) {
		t.Errorf("same reading in another zone changed the vital sign: %+v", got.Vital)
	}
}

func TestCandidateToRecord(t *testing.T) {
	c := Candidate{Name: "  Lucia  ", ShelterID: "shelter-3", Location: &Coordinates{Latitude: 1}}
	r := c.ToRecord("p-9")
	if r.ID != "p-9" || r.Name != "Lucia" || r.ShelterID != "shelter-3" {
		t.Errorf("unexpected record: %+v", r)
	}
	c.Location.Latitude = 2
	if r.Location.Latitude != 1 {
		t.Error("record location aliases candidate")
	}
}

func TestFilterMatch(t *testing.T) {
	now := time.Now()
	r := Record{
		ID:          "p-1",
		Name:        "Maria Silva",
		Address:     "Rua das Flores",
		ShelterID:   "shelter-1",
		FamilyGroup: "Silva",
		TagID:       "TAG-001",
		Vital:       VitalSign{BPM: 110, CapturedAt: now},
		SyncState:   SyncPending,
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"shelter match", Filter{ShelterID: "shelter-1"}, true},
		{"shelter miss", Filter{ShelterID: "shelter-2"}, false},
		{"family case-insensitive", Filter{FamilyGroup: "silva"}, true},
		{"status match", Filter{Status: HeartRateWarning}, true},
		{"status miss", Filter{Status: HeartRateNormal}, false},
		{"pending only", Filter{PendingOnly: true}, true},
		{"query name", Filter{Query: "maria"}, true},
		{"query tag", Filter{Query: "tag-001"}, true},
		{"query miss", Filter{Query: "pedro"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Match(r); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}

	r.SyncState = SyncSynced
	if (Filter{PendingOnly: true}).Match(r) {
		t.Error("synced record matched PendingOnly filter")
	}
}

func TestDefaultShelters(t *testing.T) {
	c := DefaultShelters()
	if c.Len() != 5 {
		t.Fatalf("expected 5 default shelters, got %d", c.Len())
	}
	s, ok := c.Get("shelter-3")
	if !ok || s.Capacity != 300 {
		t.Errorf("shelter-3 = %+v, %v", s, ok)
	}
	if _, ok := c.Get("shelter-99"); ok {
		t.Error("unexpected shelter-99")
	}
}

func TestSheltersRoundTripTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelters.toml")
	if err := WriteShelters(path, DefaultShelters()); err != nil {
		t.Fatalf("WriteShelters failed: %v", err)
	}

	c, err := LoadShelters(path)
	if err != nil {
		t.Fatalf("LoadShelters failed: %v", err)
	}
	if c.Len() != 5 {
		t.Errorf("expected 5 shelters, got %d", c.Len())
	}
	if got := c.List()[0].Name; got != "Abrigo Central" {
		t.Errorf("first shelter = %q", got)
	}
}

func TestLoadSheltersRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelters.toml")
	content := `
[[shelter]]
id = "a"
name = "A"
capacity = 10

[[shelter]]
id = "a"
name = "Again"
capacity = 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadShelters(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestOccupancy(t *testing.T) {
	c, err := NewCatalog([]Shelter{
		{ID: "small", Name: "Small", Capacity: 10},
		{ID: "big", Name: "Big", Capacity: 100},
	})
	if err != nil {
		t.Fatal(err)
	}

	var records []Record
	for i := 0; i < 8; i++ {
		records = append(records, Record{ShelterID: "small"})
	}
	records = append(records, Record{ShelterID: "elsewhere"})

	occ := c.Occupancy(records)
	if len(occ) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(occ))
	}

	if occ[0].Count != 8 || occ[0].Level != OccupancyWarning {
		t.Errorf("small = %+v", occ[0])
	}
	if occ[1].Count != 0 || occ[1].Level != OccupancyNormal {
		t.Errorf("big = %+v", occ[1])
	}
	if occ[2].Shelter.ID != "elsewhere" || occ[2].Level != OccupancyDanger {
		t.Errorf("unknown shelter = %+v", occ[2])
	}

	records = append(records, Record{ShelterID: "small"}, Record{ShelterID: "small"})
	occ = c.Occupancy(records)
	if occ[0].Level != OccupancyDanger {
		t.Errorf("expected danger at 100%%, got %+v", occ[0])
	}
}

func TestTagReadingFiles(t *testing.T) {
	dir := t.TempDir()
	captured := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	path, err := WriteTagReading(dir, &TagReading{TagID: "TAG-7", BPM: 88, CapturedAt: captured})
	if err != nil {
		t.Fatalf("WriteTagReading failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("reading written outside inbox: %s", path)
	}

	r, err := ReadTagReading(path)
	if err != nil {
		t.Fatalf("ReadTagReading failed: %v", err)
	}
	if r.TagID != "TAG-7" || r.BPM != 88 || !r.CapturedAt.Equal(captured) {
		t.Errorf("unexpected reading: %+v", r)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestReadTagReadingInvalid(t *testing.T) {
	dir := t.TempDir()

	noID := filepath.Join(dir, "noid.json")
	if err := os.WriteFile(noID, []byte(`{"bpm": 70}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTagReading(noID); err == nil {
		t.Error("expected reading without identity to be rejected")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTagReading(garbage); err == nil {
		t.Error("expected malformed file to be rejected")
	}
}
