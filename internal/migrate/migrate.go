// Package migrate moves records in and out of a station: seeding from JSONL
// files and exporting the record set as JSONL or YAML.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gefbiotag/biotag/internal/schema"
)

// Registrar is the part of *engine.Engine the importer uses.
type Registrar interface {
	Register(ctx context.Context, c schema.Candidate) (schema.Record, error)
	Shelters() *schema.Catalog
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	IDs      []string `json:"ids,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// maxLineSize bounds one JSONL line.
const maxLineSize = 1 << 20

// ReadCandidatesJSONL parses one candidate per line. Blank lines and lines
// starting with # are skipped.
func ReadCandidatesJSONL(r io.Reader) ([]schema.Candidate, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var candidates []schema.Candidate
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		var c schema.Candidate
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		candidates = append(candidates, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return candidates, nil
}

// ReadCandidatesFile reads candidates from a JSONL file.
func ReadCandidatesFile(path string) ([]schema.Candidate, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return ReadCandidatesJSONL(f)
}

// Import registers each candidate in order. A candidate that is invalid,
// names an unknown shelter or fails to register is counted and skipped;
// the import goes on with the next one. Only a cancelled context stops it.
func Import(ctx context.Context, reg Registrar, candidates []schema.Candidate) (ImportResult, error) {
	var result ImportResult
	shelters := reg.Shelters()

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fail := func(err error) {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("candidate %d (%s): %v", i+1, strings.TrimSpace(c.Name), err))
		}

		if err := c.Validate(); err != nil {
			fail(err)
			continue
		}
		if shelters != nil {
			if _, ok := shelters.Get(c.ShelterID); !ok {
				fail(fmt.Errorf("unknown shelter %q", c.ShelterID))
				continue
			}
		}

		rec, err := reg.Register(ctx, c)
		if err != nil {
			fail(err)
			continue
		}
		result.Imported++
		result.IDs = append(result.IDs, rec.ID)
	}
	return result, nil
}

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, records []schema.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
	}
	return nil
}

// WriteYAML writes the records as a single YAML list.
func WriteYAML(w io.Writer, records []schema.Record) error {
	if records == nil {
		records = []schema.Record{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode records as YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush YAML: %w", err)
	}
	return nil
}

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

// Export writes records in format.
func Export(w io.Writer, records []schema.Record, format string) error {
	switch format {
	case FormatJSONL, "json":
		return WriteJSONL(w, records)
	case FormatYAML, "yml":
		return WriteYAML(w, records)
	default:
		return fmt.Errorf("unknown export format %q (want %s or %s)", format, FormatJSONL, FormatYAML)
	}
}

// ReadRecordsYAML parses a YAML export.
func ReadRecordsYAML(r io.Reader) ([]schema.Record, error) {
	var records []schema.Record
	if err := yaml.NewDecoder(r).Decode(&records); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode YAML records: %w", err)
	}
	return records, nil
}
