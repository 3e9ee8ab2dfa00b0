// Package daemon runs the background loops of a field station.
//
// A Daemon keeps an Engine honest about connectivity and drains pending
// work without operator input:
//
//  1. Every probe interval it samples the remote service. When the service
//     comes back and sync-on-reconnect is enabled, pending records are
//     pushed immediately.
//  2. Every sync interval it runs a synchronization pass, but only when the
//     service is reachable and something is pending.
//  3. An InboxWatcher picks up heart-rate readings that wearable tag readers
//     drop as JSON files into the inbox directory and applies them with
//     UpdateVitalSign.
//
// Usage:
//
//	d, err := daemon.New(eng, daemon.Config{
//	    ProbeInterval: 5 * time.Second,
//	    SyncInterval:  30 * time.Second,
//	    InboxDir:      ".biotag/inbox",
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
