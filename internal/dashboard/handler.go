package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
)

// RecordUpdateData describes a record change.
type RecordUpdateData struct {
	RecordID        string                 `json:"record_id"`
	Action          string                 `json:"action"` // registered, updated, removed
	Name            string                 `json:"name,omitempty"`
	ShelterID       string                 `json:"shelter_id,omitempty"`
	SyncState       schema.SyncState       `json:"sync_state,omitempty"`
	HeartRate       int                    `json:"heart_rate,omitempty"`
	HeartRateStatus schema.HeartRateStatus `json:"heart_rate_status,omitempty"`
}

// SyncCompleteData summarizes a synchronization pass.
type SyncCompleteData struct {
	Attempted        int   `json:"attempted"`
	Succeeded        int   `json:"succeeded"`
	Failed           int   `json:"failed"`
	DeletesSucceeded int   `json:"deletes_succeeded"`
	DurationMS       int64 `json:"duration_ms"`
}

// ConnectivityData carries the new reachability.
type ConnectivityData struct {
	Reachable bool `json:"reachable"`
}

// StatsData is the dashboard's headline view.
type StatsData struct {
	Total          int                `json:"total"`
	Pending        int                `json:"pending"`
	PendingDeletes int                `json:"pending_deletes"`
	Reachable      bool               `json:"reachable"`
	LastSyncAt     *time.Time         `json:"last_sync_at,omitempty"`
	ByHeartRate    map[string]int     `json:"by_heart_rate"`
	Shelters       []schema.Occupancy `json:"shelters"`
}

// CollectStats builds StatsData from the engine's current snapshot.
func CollectStats(eng Engine) StatsData {
	records := eng.GetAll()
	stats := StatsData{
		Total:          len(records),
		Pending:        eng.PendingCount(),
		PendingDeletes: eng.PendingDeletes(),
		Reachable:      eng.Reachable(),
		ByHeartRate:    make(map[string]int),
		Shelters:       eng.Occupancy(),
	}
	if t, ok := eng.LastSyncAt(); ok {
		stats.LastSyncAt = &t
	}
	for _, r := range records {
		stats.ByHeartRate[string(r.Vital.Status())]++
	}
	return stats
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Handler turns engine events into dashboard messages.
type Handler struct {
	server *Server
	eng    Engine
	logger *zap.Logger
}

// NewHandler creates a handler feeding server from eng.
func NewHandler(server *Server, eng Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, eng: eng, logger: logger.Named("dashboard")}
}

// Attach subscribes to engine events and returns the unsubscribe function.
func (h *Handler) Attach() (detach func()) {
	return h.eng.Subscribe(h.OnEvent)
}

// OnEvent broadcasts ev and a fresh stats message.
func (h *Handler) OnEvent(ev engine.Event) {
	var (
		msg Message
		err error
	)

	switch ev.Type {
	case engine.EventRecordRegistered, engine.EventRecordUpdated, engine.EventRecordRemoved:
		msg, err = newMessage(MessageTypeRecordUpdate, recordUpdate(ev))

	case engine.EventSyncComplete:
		data := SyncCompleteData{}
		if s := ev.Summary; s != nil {
			data = SyncCompleteData{
				Attempted:        s.Attempted,
				Succeeded:        s.Succeeded,
				Failed:           s.FailedCount(),
				DeletesSucceeded: s.DeletesSucceeded,
				DurationMS:       s.Duration().Milliseconds(),
			}
		}
		msg, err = newMessage(MessageTypeSyncComplete, data)

	case engine.EventConnectivity:
		msg, err = newMessage(MessageTypeConnectivity, ConnectivityData{Reachable: ev.Reachable})

	default:
		// initialized, reset and reloaded only change the stats.
		h.broadcastStats()
		return
	}

	if err != nil {
		h.logger.Warn("failed to build message", zap.Error(err))
		return
	}
	if !ev.Time.IsZero() {
		msg.Timestamp = ev.Time
	}
	h.server.Broadcast(msg)
	h.broadcastStats()
}

func recordUpdate(ev engine.Event) RecordUpdateData {
	data := RecordUpdateData{RecordID: ev.RecordID}
	switch ev.Type {
	case engine.EventRecordRegistered:
		data.Action = "registered"
	case engine.EventRecordUpdated:
		data.Action = "updated"
	case engine.EventRecordRemoved:
		data.Action = "removed"
	}
	if r := ev.Record; r != nil {
		data.Name = r.Name
		data.ShelterID = r.ShelterID
		data.SyncState = r.SyncState
		data.HeartRate = r.Vital.BPM
		data.HeartRateStatus = r.Vital.Status()
	}
	return data
}

func (h *Handler) broadcastStats() {
	msg, err := newMessage(MessageTypeStats, CollectStats(h.eng))
	if err != nil {
		h.logger.Warn("failed to build stats", zap.Error(err))
		return
	}
	h.server.Broadcast(msg)
}
