package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Shelter is reference data describing a place people are sheltered.
type Shelter struct {
	ID       string `toml:"id" json:"id" yaml:"id"`
	Name     string `toml:"name" json:"name" yaml:"name"`
	Address  string `toml:"address" json:"address" yaml:"address"`
	Capacity int    `toml:"capacity" json:"capacity" yaml:"capacity"`
}

// Validate checks the shelter definition.
func (s *Shelter) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative (got %d)", s.Capacity)
	}
	return nil
}

// shelterFile is the on-disk TOML layout.
type shelterFile struct {
	Shelters []Shelter `toml:"shelter"`
}

// Catalog is an immutable set of shelters keyed by id, in file order.
type Catalog struct {
	byID  map[string]Shelter
	order []string
}

// NewCatalog builds a catalog, rejecting invalid or duplicate shelters.
func NewCatalog(shelters []Shelter) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Shelter, len(shelters))}
	for i := range shelters {
		s := shelters[i]
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid shelter #%d: %w", i+1, err)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate shelter id %s", s.ID)
		}
		c.byID[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

// LoadShelters reads a TOML shelter catalogue from path.
func LoadShelters(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shelter file %s: %w", path, err)
	}

	var f shelterFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse shelter file %s: %w", path, err)
	}

	return NewCatalog(f.Shelters)
}

// WriteShelters writes the catalog to path as TOML.
func WriteShelters(path string, c *Catalog) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create shelter file %s: %w", path, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(shelterFile{Shelters: c.List()}); err != nil {
		return fmt.Errorf("failed to encode shelters: %w", err)
	}
	return nil
}

// DefaultShelters returns the reference shelters shipped with the tool.
func DefaultShelters() *Catalog {
	c, _ := NewCatalog([]Shelter{
		{ID: "shelter-1", Name: "Abrigo Central", Address: "Av. Paulista, 1000, São Paulo", Capacity: 100},
		{ID: "shelter-2", Name: "Escola Municipal Anchieta", Address: "Rua dos Bandeirantes, 230, São Paulo", Capacity: 150},
		{ID: "shelter-3", Name: "Ginásio Ibirapuera", Address: "Av. Ibirapuera, 500, São Paulo", Capacity: 300},
		{ID: "shelter-4", Name: "Centro Comunitário Zona Leste", Address: "Rua das Flores, 123, São Paulo", Capacity: 80},
		{ID: "shelter-5", Name: "Igreja São Francisco", Address: "Rua São Francisco, 45, São Paulo", Capacity: 50},
	})
	return c
}

// Get returns the shelter with the given id.
func (c *Catalog) Get(id string) (Shelter, bool) {
	if c == nil {
		return Shelter{}, false
	}
	s, ok := c.byID[id]
	return s, ok
}

// List returns all shelters in catalogue order.
func (c *Catalog) List() []Shelter {
	if c == nil {
		return nil
	}
	out := make([]Shelter, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of shelters.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// OccupancyLevel buckets how full a shelter is.
type OccupancyLevel string

const (
	OccupancyNormal  OccupancyLevel = "normal"
	OccupancyWarning OccupancyLevel = "warning" // above 70%
	OccupancyDanger  OccupancyLevel = "danger"  // above 90%
)

// Occupancy is the headcount of one shelter.
type Occupancy struct {
	Shelter Shelter        `json:"shelter"`
	Count   int            `json:"count"`
	Percent float64        `json:"percent"`
	Level   OccupancyLevel `json:"level"`
}

// Occupancy counts records per shelter. Records assigned to shelters that
// are not in the catalog are reported under synthetic entries with zero
// capacity, sorted after the known shelters.
func (c *Catalog) Occupancy(records []Record) []Occupancy {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.ShelterID]++
	}

	out := make([]Occupancy, 0, c.Len()+len(counts))
	for _, s := range c.List() {
		out = append(out, newOccupancy(s, counts[s.ID]))
		delete(counts, s.ID)
	}

	var unknown []string
	for id := range counts {
		unknown = append(unknown, id)
	}
	sort.Strings(unknown)
	for _, id := range unknown {
		out = append(out, newOccupancy(Shelter{ID: id, Name: id}, counts[id]))
	}
	return out
}

func newOccupancy(s Shelter, count int) Occupancy {
	o := Occupancy{Shelter: s, Count: count, Level: OccupancyNormal}
	if s.Capacity > 0 {
		o.Percent = float64(count) / float64(s.Capacity) * 100
		if o.Percent > 100 {
			o.Percent = 100
		}
	} else if count > 0 {
		o.Percent = 100
	}
	switch {
	case o.Percent > 90:
		o.Level = OccupancyDanger
	case o.Percent > 70:
		o.Level = OccupancyWarning
	}
	return o
}
