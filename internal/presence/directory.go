// Package presence implements the presence directory: the authoritative
// mapping from session ID to display name and public encryption key. The
// directory broadcasts the full snapshot to every connected client after each
// registration or disconnect, and answers point queries with a snapshot that
// excludes the requesting session.
package presence

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/securechat/relay/internal/metrics"
	"github.com/securechat/relay/internal/protocol"
)

// Entry is one registered session in the directory.
type Entry struct {
	SessionID    string
	Username     string
	PublicKey    string // opaque SPKI-PEM text, never parsed by the server
	RegisteredAt time.Time
}

// Broadcaster delivers an encoded server message to every connected client.
// The ws ConnectionManager satisfies this interface.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Directory owns the session table. All mutations happen under its mutex,
// and the mutate-then-broadcast sequence is performed while holding it so no
// client can observe a snapshot that reflects a partially-applied change and
// broadcasts are delivered in mutation order.
type Directory struct {
	mu          sync.Mutex
	entries     map[string]Entry
	broadcaster Broadcaster
}

// NewDirectory creates an empty directory that fans snapshot updates out
// through the given broadcaster.
func NewDirectory(b Broadcaster) *Directory {
	return &Directory{
		entries:     make(map[string]Entry),
		broadcaster: b,
	}
}

// Register inserts or overwrites the session's entry and broadcasts the
// updated snapshot (including the registrant) to all connected clients.
// Display names are not unique and no validation is performed; both fields
// are stored as opaque strings. Re-registration replaces the entry but keeps
// the original registration time so snapshot ordering stays stable.
func (d *Directory) Register(sessionID, username, publicKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	registeredAt := time.Now()
	if prev, ok := d.entries[sessionID]; ok {
		registeredAt = prev.RegisteredAt
	}
	d.entries[sessionID] = Entry{
		SessionID:    sessionID,
		Username:     username,
		PublicKey:    publicKey,
		RegisteredAt: registeredAt,
	}

	metrics.SessionsRegistered.Set(float64(len(d.entries)))
	d.broadcastLocked("register")
}

// Remove deletes the session's entry if present and broadcasts the updated
// snapshot to the remaining clients. Removing an absent session is a no-op
// and triggers no broadcast. Returns whether an entry was removed.
func (d *Directory) Remove(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[sessionID]; !ok {
		return false
	}
	delete(d.entries, sessionID)

	metrics.SessionsRegistered.Set(float64(len(d.entries)))
	d.broadcastLocked("disconnect")
	return true
}

// Snapshot returns the current entries ordered by registration time,
// excluding excludeID. Pass an empty excludeID for the full snapshot.
func (d *Directory) Snapshot(excludeID string) []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(excludeID)
}

// Get returns the entry for a session ID, if registered.
func (d *Directory) Get(sessionID string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	return e, ok
}

// Count returns the number of registered sessions.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Directory) snapshotLocked(excludeID string) []Entry {
	out := make([]Entry, 0, len(d.entries))
	for id, e := range d.entries {
		if id == excludeID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// broadcastLocked encodes the full snapshot as a users-list message and fans
// it out. Individual write failures are the broadcaster's concern; dead
// connections are reaped by the transport's read path and heartbeat.
func (d *Directory) broadcastLocked(trigger string) {
	if d.broadcaster == nil {
		return
	}

	data, err := EncodeUsersList(d.snapshotLocked(""))
	if err != nil {
		log.Printf("presence: failed to encode users-list: %v", err)
		return
	}

	start := time.Now()
	d.broadcaster.Broadcast(data)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.PresenceBroadcastsTotal.WithLabelValues(trigger).Inc()
}

// EncodeUsersList encodes a snapshot as a users-list server message. It is
// shared by the directory's broadcast path and the get-users reply path.
func EncodeUsersList(entries []Entry) ([]byte, error) {
	users := make([]protocol.UserEntry, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.UserEntry{
			SocketID:  e.SessionID,
			Username:  e.Username,
			PublicKey: e.PublicKey,
		})
	}
	return protocol.NewServerMessage(protocol.TypeUsersList, protocol.UsersListMsg{Users: users})
}
