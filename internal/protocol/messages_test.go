package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid register message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Register(t *testing.T) {
	input := []byte(`{"type":"register","username":"alice","publicKey":"-----BEGIN PUBLIC KEY-----\nMIIB\n-----END PUBLIC KEY-----\n"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRegister {
		t.Fatalf("expected type %q, got %q", TypeRegister, msgType)
	}

	rm, ok := msg.(RegisterMsg)
	if !ok {
		t.Fatalf("expected RegisterMsg, got %T", msg)
	}
	if rm.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", rm.Username)
	}
	if rm.PublicKey == "" {
		t.Error("expected non-empty public key")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send-message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","to":"abc-123","encryptedMessage":"aGVsbG8=","timestamp":"10:42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.To != "abc-123" {
		t.Errorf("expected to %q, got %q", "abc-123", sm.To)
	}
	if sm.EncryptedMessage != "aGVsbG8=" {
		t.Errorf("expected ciphertext %q, got %q", "aGVsbG8=", sm.EncryptedMessage)
	}
	if sm.Timestamp != "10:42" {
		t.Errorf("expected timestamp %q, got %q", "10:42", sm.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing typing and get-users messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","to":"peer-9"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(ClientTypingMsg)
	if !ok {
		t.Fatalf("expected ClientTypingMsg, got %T", msg)
	}
	if tm.To != "peer-9" {
		t.Errorf("expected to %q, got %q", "peer-9", tm.To)
	}
}

func TestParseClientMessage_GetUsers(t *testing.T) {
	input := []byte(`{"type":"get-users"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeGetUsers {
		t.Fatalf("expected type %q, got %q", TypeGetUsers, msgType)
	}
	if _, ok := msg.(GetUsersMsg); !ok {
		t.Fatalf("expected GetUsersMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"shutdown-server"}`)

	_, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil msg for unknown type, got %v", msg)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	// Clients must not be able to inject server-side events.
	input := []byte(`{"type":"users-list","users":[]}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	input := []byte(`{"username":"alice"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	input := []byte(`{"type":"register",`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: NewServerMessage injects the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_UsersList(t *testing.T) {
	data, err := NewServerMessage(TypeUsersList, UsersListMsg{
		Users: []UserEntry{
			{SocketID: "s1", Username: "alice", PublicKey: "ka"},
			{SocketID: "s2", Username: "bob", PublicKey: "kb"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UsersListMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal produced message: %v", err)
	}
	if decoded.Type != TypeUsersList {
		t.Errorf("expected type %q, got %q", TypeUsersList, decoded.Type)
	}
	if len(decoded.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(decoded.Users))
	}
	if decoded.Users[0].SocketID != "s1" || decoded.Users[1].Username != "bob" {
		t.Errorf("user entries not preserved: %+v", decoded.Users)
	}
}

func TestNewServerMessage_ReceiveMessagePassthrough(t *testing.T) {
	data, err := NewServerMessage(TypeReceiveMessage, ReceiveMessageMsg{
		From:             "s1",
		EncryptedMessage: "b3BhcXVlLWJ5dGVz",
		Timestamp:        "23:59",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ReceiveMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal produced message: %v", err)
	}
	if decoded.EncryptedMessage != "b3BhcXVlLWJ5dGVz" {
		t.Errorf("ciphertext altered in transit: %q", decoded.EncryptedMessage)
	}
	if decoded.Timestamp != "23:59" {
		t.Errorf("timestamp altered in transit: %q", decoded.Timestamp)
	}
}
