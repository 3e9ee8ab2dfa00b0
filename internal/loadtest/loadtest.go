// Package loadtest drives an Engine with concurrent field traffic.
//
// Workers issue a weighted mix of registrations, vital-sign updates, edits,
// removals, synchronization passes, connectivity probes and reads against a
// shared engine, recording latency per operation. VerifyWriteThrough then
// checks that the store holds exactly what the engine serves.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/store"
)

// Engine is the part of *engine.Engine exercised by a run.
type Engine interface {
	Register(ctx context.Context, c schema.Candidate) (schema.Record, error)
	UpdateVitalSign(ctx context.Context, id string, bpm int, capturedAt time.Time) (schema.Record, error)
	UpdateRecord(ctx context.Context, rec schema.Record) (schema.Record, error)
	Remove(ctx context.Context, id string) error
	Synchronize(ctx context.Context) (engine.SyncSummary, error)
	CheckConnection(ctx context.Context) bool
	GetAll() []schema.Record
	GetByID(id string) (schema.Record, error)
}

// Operation names.
const (
	OpRegister = "register"
	OpVitals   = "vitals"
	OpEdit     = "edit"
	OpRemove   = "remove"
	OpSync     = "sync"
	OpProbe    = "probe"
	OpRead     = "read"
)

// weights of the default operation mix.
var defaultMix = []struct {
	op     string
	weight int
}{
	{OpRead, 30},
	{OpVitals, 25},
	{OpRegister, 20},
	{OpEdit, 10},
	{OpSync, 7},
	{OpRemove, 5},
	{OpProbe, 3},
}

// Config controls a run.
type Config struct {
	Workers      int
	OpsPerWorker int
	// Seed makes the operation sequence of each worker reproducible.
	Seed int64
	// Shelters to register people into. Defaults to the reference shelters.
	Shelters []string
}

// DefaultConfig returns a modest run.
func DefaultConfig() Config {
	return Config{Workers: 8, OpsPerWorker: 50, Seed: 1}
}

// LatencyStats captures the latency of one operation.
type LatencyStats struct {
	Count int `json:"count"`
	// Errors counts unexpected failures.
	Errors int `json:"errors"`
	// Tolerated counts outcomes that are normal under contention, such as
	// a record removed by another worker or a sync already running.
	Tolerated int `json:"tolerated"`

	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`
}

// Report is the outcome of a run.
type Report struct {
	Elapsed time.Duration            `json:"elapsed"`
	Ops     map[string]*LatencyStats `json:"ops"`
	// Failures holds up to maxFailures unexpected errors.
	Failures []string `json:"failures,omitempty"`
}

const maxFailures = 20

// TotalOps returns the number of operations issued.
func (r *Report) TotalOps() int {
	n := 0
	for _, s := range r.Ops {
		n += s.Count
	}
	return n
}

// TotalErrors returns the number of unexpected failures.
func (r *Report) TotalErrors() int {
	n := 0
	for _, s := range r.Ops {
		n += s.Errors
	}
	return n
}

type sample struct {
	op        string
	elapsed   time.Duration
	err       error
	tolerated bool
}

// Run executes cfg against eng and aggregates latencies per operation.
func Run(ctx context.Context, eng Engine, cfg Config) (*Report, error) {
	if cfg.Workers <= 0 || cfg.OpsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and ops per worker must be positive")
	}
	if len(cfg.Shelters) == 0 {
		for _, s := range schema.DefaultShelters().List() {
			cfg.Shelters = append(cfg.Shelters, s.ID)
		}
	}

	var wg sync.WaitGroup
	results := make(chan []sample, cfg.Workers)
	start := time.Now()

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w := &worker{
				id:       workerID,
				eng:      eng,
				rng:      rand.New(rand.NewSource(cfg.Seed + int64(workerID))),
				shelters: cfg.Shelters,
			}
			samples := make([]sample, 0, cfg.OpsPerWorker)
			for j := 0; j < cfg.OpsPerWorker; j++ {
				if ctx.Err() != nil {
					break
				}
				samples = append(samples, w.step(ctx))
			}
			results <- samples
		}(i)
	}

	wg.Wait()
	close(results)

	byOp := make(map[string][]time.Duration)
	report := &Report{Elapsed: time.Since(start), Ops: make(map[string]*LatencyStats)}
	errs := make(map[string]int)
	tolerated := make(map[string]int)

	for samples := range results {
		for _, s := range samples {
			byOp[s.op] = append(byOp[s.op], s.elapsed)
			switch {
			case s.tolerated:
				tolerated[s.op]++
			case s.err != nil:
				errs[s.op]++
				if len(report.Failures) < maxFailures {
					report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", s.op, s.err))
				}
			}
		}
	}

	for op, durations := range byOp {
		stats := computeLatencyStats(durations)
		stats.Errors = errs[op]
		stats.Tolerated = tolerated[op]
		report.Ops[op] = stats
	}

	return report, ctx.Err()
}

type worker struct {
	id       int
	eng      Engine
	rng      *rand.Rand
	shelters []string
	seq      int
}

func (w *worker) pickOp() string {
	total := 0
	for _, m := range defaultMix {
		total += m.weight
	}
	n := w.rng.Intn(total)
	for _, m := range defaultMix {
		if n < m.weight {
			return m.op
		}
		n -= m.weight
	}
	return OpRead
}

// pickRecord returns a random existing record, if any.
func (w *worker) pickRecord() (schema.Record, bool) {
	all := w.eng.GetAll()
	if len(all) == 0 {
		return schema.Record{}, false
	}
	return all[w.rng.Intn(len(all))], true
}

var (
	firstNames = []string{"Maria", "João", "Ana", "Pedro", "Francisca", "Lucas", "Juliana", "Carlos"}
	lastNames  = []string{"Silva", "Santos", "Oliveira", "Souza", "Lima", "Pereira", "Costa"}
)

func (w *worker) candidate() schema.Candidate {
	w.seq++
	last := lastNames[w.rng.Intn(len(lastNames))]
	return schema.Candidate{
		Name:        fmt.Sprintf("%s %s", firstNames[w.rng.Intn(len(firstNames))], last),
		ShelterID:   w.shelters[w.rng.Intn(len(w.shelters))],
		FamilyGroup: last,
		TagID:       fmt.Sprintf("LT-%d-%d", w.id, w.seq),
		Vital:       schema.VitalSign{BPM: 50 + w.rng.Intn(80), CapturedAt: time.Now()},
	}
}

// step issues one operation.
func (w *worker) step(ctx context.Context) sample {
	op := w.pickOp()
	rec, ok := w.pickRecord()
	if !ok && op != OpSync && op != OpProbe {
		op = OpRegister
	}

	start := time.Now()
	var err error
	switch op {
	case OpRegister:
		_, err = w.eng.Register(ctx, w.candidate())
	case OpVitals:
		_, err = w.eng.UpdateVitalSign(ctx, rec.ID, 40+w.rng.Intn(100), time.Time{})
	case OpEdit:
		rec.Notes = fmt.Sprintf("checked by worker %d", w.id)
		_, err = w.eng.UpdateRecord(ctx, rec)
	case OpRemove:
		err = w.eng.Remove(ctx, rec.ID)
	case OpSync:
		_, err = w.eng.Synchronize(ctx)
	case OpProbe:
		w.eng.CheckConnection(ctx)
	case OpRead:
		err = checkConsistency(w.eng, rec.ID)
	}

	return sample{op: op, elapsed: time.Since(start), err: err, tolerated: tolerated(err)}
}

// tolerated reports errors that are normal under concurrent traffic.
func tolerated(err error) bool {
	return errors.Is(err, engine.ErrNotFound) ||
		errors.Is(err, engine.ErrSyncInProgress) ||
		errors.Is(err, engine.ErrOffline)
}

// checkConsistency verifies that a snapshot is well formed.
func checkConsistency(eng Engine, id string) error {
	seen := make(map[string]bool)
	for _, r := range eng.GetAll() {
		if r.ID == "" {
			return fmt.Errorf("record with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate record %s", r.ID)
		}
		seen[r.ID] = true
		if !r.SyncState.Valid() {
			return fmt.Errorf("record %s has sync state %q", r.ID, r.SyncState)
		}
		if r.UpdatedAt.Before(r.CreatedAt) {
			return fmt.Errorf("record %s updated before it was created", r.ID)
		}
	}
	_, err := eng.GetByID(id)
	return err
}

// VerifyWriteThrough checks that the store holds the engine's record set.
func VerifyWriteThrough(ctx context.Context, eng Engine, st store.Store) error {
	stored, err := st.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored records: %w", err)
	}

	equateTime := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(eng.GetAll(), stored, equateTime, cmpopts.EquateEmpty()); diff != "" {
		return fmt.Errorf("store diverges from engine (-engine +store):\n%s", diff)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// Print writes a per-operation latency table.
func (r *Report) Print(w io.Writer) {
	ops := make([]string, 0, len(r.Ops))
	for op := range r.Ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	fmt.Fprintf(w, "%-10s %6s %6s %6s %10s %10s %10s %10s\n", "OP", "COUNT", "ERRORS", "TOLER", "P50", "P95", "P99", "MAX")
	for _, op := range ops {
		s := r.Ops[op]
		fmt.Fprintf(w, "%-10s %6d %6d %6d %10v %10v %10v %10v\n",
			op, s.Count, s.Errors, s.Tolerated,
			s.P50.Round(time.Microsecond), s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond), s.Max.Round(time.Microsecond))
	}
	fmt.Fprintf(w, "%d operations in %v, %d unexpected errors\n", r.TotalOps(), r.Elapsed.Round(time.Millisecond), r.TotalErrors())
}
