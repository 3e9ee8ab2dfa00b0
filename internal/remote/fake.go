package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gefbiotag/biotag/internal/schema"
)

// Call is one recorded Fake invocation.
type Call struct {
	Op string
	ID string
}

// Fake is an in-memory Gateway for tests, load runs and offline demos.
// It can be taken offline, slowed down, or told to fail specific calls.
type Fake struct {
	mu       sync.Mutex
	online   bool
	latency  time.Duration
	records  map[string]schema.Record
	order    []string
	failures map[string]error
	calls    []Call
}

// NewFake returns an online fake holding seed.
func NewFake(seed ...schema.Record) *Fake {
	f := &Fake{
		online:   true,
		records:  make(map[string]schema.Record),
		failures: make(map[string]error),
	}
	for _, r := range seed {
		f.put(r)
	}
	return f
}

// SetOnline toggles connectivity. An offline fake fails every call with
// ErrUnavailable.
func (f *Fake) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// SetLatency delays every call by d, or until the call context ends.
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// FailOn makes op fail with err. An empty id fails the op for every id.
func (f *Fake) FailOn(op, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failureKey(op, id)] = err
}

// ClearFailures removes every injected failure.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

// Calls returns the calls made so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls for op.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Records returns the stored records in insertion order.
func (f *Fake) Records() []schema.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Record, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id].Clone())
	}
	return out
}

// Record returns the stored record with id.
func (f *Fake) Record(id string) (schema.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r.Clone(), ok
}

func failureKey(op, id string) string {
	return op + "/" + id
}

func (f *Fake) put(r schema.Record) {
	r = r.Clone()
	r.SyncState = schema.SyncSynced
	if _, ok := f.records[r.ID]; !ok {
		f.order = append(f.order, r.ID)
	}
	f.records[r.ID] = r
}

func (f *Fake) remove(id string) {
	delete(f.records, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// begin records the call, waits out the latency and applies connectivity
// and injected failures. It returns with f.mu held when err is nil.
func (f *Fake) begin(ctx context.Context, op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, ID: id})
	latency := f.latency
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return &Error{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())}
		}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	f.mu.Lock()
	if !f.online {
		f.mu.Unlock()
		return &Error{Op: op, ID: id, Err: ErrUnavailable}
	}
	if err, ok := f.failures[failureKey(op, id)]; ok {
		f.mu.Unlock()
		return &Error{Op: op, ID: id, Err: err}
	}
	if err, ok := f.failures[failureKey(op, "")]; ok {
		f.mu.Unlock()
		return &Error{Op: op, ID: id, Err: err}
	}
	return nil
}

func (f *Fake) CheckConnection(ctx context.Context) bool {
	if err := f.begin(ctx, OpCheck, ""); err != nil {
		return false
	}
	f.mu.Unlock()
	return true
}

func (f *Fake) List(ctx context.Context) ([]schema.Record, error) {
	if err := f.begin(ctx, OpList, ""); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	out := make([]schema.Record, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.records[id].Clone())
	}
	return out, nil
}

func (f *Fake) Get(ctx context.Context, id string) (schema.Record, error) {
	if err := f.begin(ctx, OpGet, id); err != nil {
		return schema.Record{}, err
	}
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return schema.Record{}, &Error{Op: OpGet, ID: id, StatusCode: http.StatusNotFound, Err: ErrNotFound}
	}
	return r.Clone(), nil
}

func (f *Fake) Create(ctx context.Context, rec schema.Record) error {
	if err := f.begin(ctx, OpCreate, rec.ID); err != nil {
		return err
	}
	defer f.mu.Unlock()
	if _, ok := f.records[rec.ID]; ok {
		return &Error{Op: OpCreate, ID: rec.ID, StatusCode: http.StatusConflict, Err: fmt.Errorf("record already exists")}
	}
	f.put(rec)
	return nil
}

func (f *Fake) Update(ctx context.Context, rec schema.Record) error {
	if err := f.begin(ctx, OpUpdate, rec.ID); err != nil {
		return err
	}
	defer f.mu.Unlock()
	if _, ok := f.records[rec.ID]; !ok {
		return &Error{Op: OpUpdate, ID: rec.ID, StatusCode: http.StatusNotFound, Err: ErrNotFound}
	}
	f.put(rec)
	return nil
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	if err := f.begin(ctx, OpDelete, id); err != nil {
		return err
	}
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return &Error{Op: OpDelete, ID: id, StatusCode: http.StatusNotFound, Err: ErrNotFound}
	}
	f.remove(id)
	return nil
}
