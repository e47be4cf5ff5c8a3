package presence

import (
	"encoding/json"
	"testing"

	"github.com/securechat/relay/internal/protocol"
)

// fakeBroadcaster records every broadcast payload for inspection.
type fakeBroadcaster struct {
	payloads [][]byte
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.payloads = append(f.payloads, data)
}

// lastUsers decodes the most recent broadcast into a socketId -> UserEntry map.
func (f *fakeBroadcaster) lastUsers(t *testing.T) map[string]protocol.UserEntry {
	t.Helper()
	if len(f.payloads) == 0 {
		t.Fatal("no broadcasts recorded")
	}
	var msg protocol.UsersListMsg
	if err := json.Unmarshal(f.payloads[len(f.payloads)-1], &msg); err != nil {
		t.Fatalf("failed to decode broadcast: %v", err)
	}
	if msg.Type != protocol.TypeUsersList {
		t.Fatalf("expected %q broadcast, got %q", protocol.TypeUsersList, msg.Type)
	}
	users := make(map[string]protocol.UserEntry, len(msg.Users))
	for _, u := range msg.Users {
		if _, dup := users[u.SocketID]; dup {
			t.Fatalf("session %s appears twice in snapshot", u.SocketID)
		}
		users[u.SocketID] = u
	}
	return users
}

func TestRegister_BroadcastsFullSnapshot(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	d.Register("s1", "alice", "ka")
	d.Register("s2", "bob", "kb")

	if len(fb.payloads) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(fb.payloads))
	}

	users := fb.lastUsers(t)
	if len(users) != 2 {
		t.Fatalf("expected 2 users in snapshot, got %d", len(users))
	}
	// The push snapshot includes the registrant itself.
	if users["s2"].Username != "bob" || users["s2"].PublicKey != "kb" {
		t.Errorf("unexpected entry for s2: %+v", users["s2"])
	}
	if users["s1"].Username != "alice" || users["s1"].PublicKey != "ka" {
		t.Errorf("unexpected entry for s1: %+v", users["s1"])
	}
}

func TestRegister_OverwritesExistingEntry(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	d.Register("s1", "alice", "ka")
	d.Register("s1", "alice2", "ka2")

	users := fb.lastUsers(t)
	if len(users) != 1 {
		t.Fatalf("expected 1 user after re-register, got %d", len(users))
	}
	if users["s1"].Username != "alice2" || users["s1"].PublicKey != "ka2" {
		t.Errorf("re-register did not overwrite entry: %+v", users["s1"])
	}
}

func TestRegister_DuplicateUsernamesAllowed(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	d.Register("s1", "alice", "ka")
	d.Register("s2", "alice", "kb")

	users := fb.lastUsers(t)
	if len(users) != 2 {
		t.Fatalf("expected 2 entries with duplicate names, got %d", len(users))
	}
	if users["s1"].Username != "alice" || users["s2"].Username != "alice" {
		t.Error("duplicate display names should both be kept")
	}
}

func TestRemove_BroadcastsUpdatedSnapshot(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	d.Register("s1", "alice", "ka")
	d.Register("s2", "bob", "kb")

	if !d.Remove("s1") {
		t.Fatal("expected Remove to report an entry was removed")
	}

	users := fb.lastUsers(t)
	if len(users) != 1 {
		t.Fatalf("expected 1 user after removal, got %d", len(users))
	}
	if _, ok := users["s1"]; ok {
		t.Error("removed session still present in broadcast snapshot")
	}
}

func TestRemove_AbsentSessionIsIdempotent(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	d.Register("s1", "alice", "ka")
	broadcasts := len(fb.payloads)

	if d.Remove("ghost") {
		t.Error("expected Remove of absent session to report false")
	}
	if len(fb.payloads) != broadcasts {
		t.Error("removing an absent session must not trigger a broadcast")
	}
	if d.Count() != 1 {
		t.Errorf("expected 1 entry, got %d", d.Count())
	}
}

func TestSnapshot_ExcludesRequester(t *testing.T) {
	d := NewDirectory(nil)

	d.Register("s1", "alice", "ka")
	d.Register("s2", "bob", "kb")
	d.Register("s3", "carol", "kc")

	for _, self := range []string{"s1", "s2", "s3"} {
		snap := d.Snapshot(self)
		if len(snap) != 2 {
			t.Fatalf("expected 2 peers for %s, got %d", self, len(snap))
		}
		for _, e := range snap {
			if e.SessionID == self {
				t.Errorf("query for %s included the requester itself", self)
			}
		}
	}
}

func TestSnapshot_OrderedByRegistration(t *testing.T) {
	d := NewDirectory(nil)

	d.Register("s1", "alice", "ka")
	d.Register("s2", "bob", "kb")
	d.Register("s3", "carol", "kc")

	snap := d.Snapshot("")
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].RegisteredAt.Before(snap[i-1].RegisteredAt) {
			t.Error("snapshot not ordered by registration time")
		}
	}
}

// Snapshot exactness across an arbitrary register/disconnect sequence: after
// every operation the broadcast contains exactly the currently-registered
// sessions, each exactly once.
func TestRegisterRemoveSequence_SnapshotExactness(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := NewDirectory(fb)

	type op struct {
		register bool
		id       string
	}
	ops := []op{
		{true, "s1"}, {true, "s2"}, {false, "s1"},
		{true, "s3"}, {true, "s1"}, {false, "s2"},
		{false, "s3"}, {false, "s1"},
	}

	live := make(map[string]bool)
	for i, o := range ops {
		if o.register {
			d.Register(o.id, "user-"+o.id, "key-"+o.id)
			live[o.id] = true
		} else {
			d.Remove(o.id)
			delete(live, o.id)
		}

		users := make(map[string]protocol.UserEntry)
		if len(live) > 0 || len(fb.payloads) > 0 {
			users = fb.lastUsers(t)
		}
		if len(users) != len(live) {
			t.Fatalf("op %d: snapshot has %d entries, want %d", i, len(users), len(live))
		}
		for id := range live {
			if _, ok := users[id]; !ok {
				t.Errorf("op %d: live session %s missing from snapshot", i, id)
			}
		}
	}
}

func TestGet(t *testing.T) {
	d := NewDirectory(nil)
	d.Register("s1", "alice", "ka")

	e, ok := d.Get("s1")
	if !ok {
		t.Fatal("expected entry for s1")
	}
	if e.Username != "alice" || e.PublicKey != "ka" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, ok := d.Get("ghost"); ok {
		t.Error("expected no entry for unregistered session")
	}
}
