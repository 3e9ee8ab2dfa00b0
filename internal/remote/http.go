package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/gefbiotag/biotag/internal/schema"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 10 * time.Second

// HTTPConfig configures an HTTPGateway.
type HTTPConfig struct {
	BaseURL string
	// Collection is the records path below BaseURL.
	Collection string
	// HealthPath is probed by CheckConnection. When empty the collection is
	// listed instead.
	HealthPath string
	Timeout    time.Duration
	Token      string
	// MinVersion, when set, makes CheckConnection fail against a service
	// whose health payload reports an older semantic version.
	MinVersion string
	Logger     *zap.Logger
}

// DefaultHTTPConfig returns the default gateway configuration for baseURL.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:    baseURL,
		Collection: "/records",
		Timeout:    DefaultTimeout,
	}
}

// HTTPGateway is a Gateway backed by a JSON-over-HTTP records service.
type HTTPGateway struct {
	client     *resty.Client
	collection string
	healthPath string
	minVersion string
	logger     *zap.Logger
}

// wireRecord is the service representation. Sync state is local-only and
// never sent.
type wireRecord struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Address     string              `json:"address,omitempty"`
	Location    *schema.Coordinates `json:"location,omitempty"`
	ShelterID   string              `json:"shelterId"`
	FamilyGroup string              `json:"familyGroup,omitempty"`
	Notes       string              `json:"notes,omitempty"`
	TagID       string              `json:"tagId,omitempty"`
	HeartRate   *wireHeartRate      `json:"heartRate,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type wireHeartRate struct {
	BPM        int       `json:"bpm"`
	CapturedAt time.Time `json:"capturedAt"`
}

type healthPayload struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func toWire(r schema.Record) wireRecord {
	w := wireRecord{
		ID:          r.ID,
		Name:        r.Name,
		Address:     r.Address,
		Location:    r.Location,
		ShelterID:   r.ShelterID,
		FamilyGroup: r.FamilyGroup,
		Notes:       r.Notes,
		TagID:       r.TagID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if !r.Vital.IsZero() {
		w.HeartRate = &wireHeartRate{BPM: r.Vital.BPM, CapturedAt: r.Vital.CapturedAt}
	}
	return w
}

// fromWire converts a service record. Anything the service returns is by
// definition confirmed, so the result is synced.
func fromWire(w wireRecord) schema.Record {
	r := schema.Record{
		ID:          w.ID,
		Name:        w.Name,
		Address:     w.Address,
		Location:    w.Location,
		ShelterID:   w.ShelterID,
		FamilyGroup: w.FamilyGroup,
		Notes:       w.Notes,
		TagID:       w.TagID,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		SyncState:   schema.SyncSynced,
	}
	if w.HeartRate != nil {
		r.Vital = schema.VitalSign{BPM: w.HeartRate.BPM, CapturedAt: w.HeartRate.CapturedAt}
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		r.UpdatedAt = r.CreatedAt
	}
	return r
}

// NewHTTPGateway creates a gateway for cfg.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Collection == "" {
		cfg.Collection = "/records"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	minVersion := ""
	if cfg.MinVersion != "" {
		minVersion = canonicalVersion(cfg.MinVersion)
		if !semver.IsValid(minVersion) {
			return nil, fmt.Errorf("invalid minimum remote version %q", cfg.MinVersion)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &HTTPGateway{
		client:     client,
		collection: "/" + strings.Trim(cfg.Collection, "/"),
		healthPath: cfg.HealthPath,
		minVersion: minVersion,
		logger:     logger.Named("gateway"),
	}, nil
}

func (g *HTTPGateway) itemPath(id string) string {
	return g.collection + "/" + url.PathEscape(id)
}

// CheckConnection probes the health path, or lists the collection when no
// health path is configured.
func (g *HTTPGateway) CheckConnection(ctx context.Context) bool {
	if g.healthPath == "" {
		resp, err := g.client.R().SetContext(ctx).Get(g.collection)
		if err := classify(OpCheck, "", resp, err); err != nil {
			g.logger.Debug("connection check failed", zap.Error(err))
			return false
		}
		return true
	}

	var health healthPayload
	resp, err := g.client.R().SetContext(ctx).SetResult(&health).Get(g.healthPath)
	if err := classify(OpCheck, "", resp, err); err != nil {
		g.logger.Debug("connection check failed", zap.Error(err))
		return false
	}

	if g.minVersion != "" {
		got := canonicalVersion(health.Version)
		if !semver.IsValid(got) || semver.Compare(got, g.minVersion) < 0 {
			g.logger.Warn("remote version too old",
				zap.String("version", health.Version),
				zap.String("min_version", g.minVersion),
			)
			return false
		}
	}
	return true
}

// List returns every record in the collection.
func (g *HTTPGateway) List(ctx context.Context) ([]schema.Record, error) {
	var items []wireRecord
	resp, err := g.client.R().SetContext(ctx).SetResult(&items).Get(g.collection)
	if err := classify(OpList, "", resp, err); err != nil {
		return nil, err
	}

	records := make([]schema.Record, 0, len(items))
	for _, w := range items {
		if w.ID == "" {
			g.logger.Warn("skipping remote record without id")
			continue
		}
		records = append(records, fromWire(w))
	}
	g.logger.Debug("listed remote records", zap.Int("count", len(records)))
	return records, nil
}

// Get returns one record.
func (g *HTTPGateway) Get(ctx context.Context, id string) (schema.Record, error) {
	var w wireRecord
	resp, err := g.client.R().SetContext(ctx).SetResult(&w).Get(g.itemPath(id))
	if err := classify(OpGet, id, resp, err); err != nil {
		return schema.Record{}, err
	}
	if w.ID == "" {
		w.ID = id
	}
	return fromWire(w), nil
}

// Create posts a new record to the collection.
func (g *HTTPGateway) Create(ctx context.Context, rec schema.Record) error {
	resp, err := g.client.R().SetContext(ctx).SetBody(toWire(rec)).Post(g.collection)
	return classify(OpCreate, rec.ID, resp, err)
}

// Update replaces the record with the same id.
func (g *HTTPGateway) Update(ctx context.Context, rec schema.Record) error {
	resp, err := g.client.R().SetContext(ctx).SetBody(toWire(rec)).Put(g.itemPath(rec.ID))
	return classify(OpUpdate, rec.ID, resp, err)
}

// Delete removes the record with id.
func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	resp, err := g.client.R().SetContext(ctx).Delete(g.itemPath(id))
	return classify(OpDelete, id, resp, err)
}

// classify maps a resty outcome to nil or an *Error.
func classify(op, id string, resp *resty.Response, err error) error {
	if err != nil {
		return &Error{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	if !resp.IsError() {
		return nil
	}

	code := resp.StatusCode()
	switch code {
	case http.StatusNotFound:
		return &Error{Op: op, ID: id, StatusCode: code, Err: ErrNotFound}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Op: op, ID: id, StatusCode: code, Err: ErrUnavailable}
	}

	msg := truncate(strings.TrimSpace(resp.String()), maxErrorBody)
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &Error{Op: op, ID: id, StatusCode: code, Err: fmt.Errorf("%s", msg)}
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// maxErrorBody caps how many bytes of a response body end up in an error.
const maxErrorBody = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
