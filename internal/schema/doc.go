// Package schema defines the data structures tracked by biotag.
//
// # Records
//
// A Record is one person registered by a rescue worker: identity, shelter
// placement, the wearable tag they were given, and the most recent heart-rate
// reading captured from that tag.
//
// Records are value snapshots. The reconciliation engine is the only
// component that produces new versions of a record; callers receive copies and
// never mutate engine-owned state in place.
//
//	rec := schema.Record{
//	    ID:        "p-3f2c...",
//	    Name:      "Maria Silva",
//	    ShelterID: "shelter-1",
//	    Vital:     schema.VitalSign{BPM: 85, CapturedAt: time.Now()},
//	    SyncState: schema.SyncPending,
//	}
//
// # Sync state
//
// SyncState is operational metadata and not part of a record's identity:
//
//   - SyncSynced: the remote service has confirmed this exact version
//   - SyncPending: the local version has not been confirmed remotely
//
// # Shelters
//
// Shelters are reference data loaded once from a TOML catalogue (or the built-in
// defaults) and never mutated at runtime:
//
//	[[shelter]]
//	id = "shelter-1"
//	name = "Abrigo Central"
//	address = "Av. Paulista, 1000, São Paulo"
//	capacity = 100
//
// # Tag readings
//
// A TagReading is a single heart-rate sample emitted by a wearable tag. Readings
// are dropped as JSON files into the daemon's inbox directory:
//
//	{"tag_id": "TAG-0042", "bpm": 104, "captured_at": "2026-10-19T12:00:00Z"}
package schema
