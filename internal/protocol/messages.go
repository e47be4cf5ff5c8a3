// Package protocol defines the WebSocket message types and structures used for
// communication between chat clients and the relay server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Field names are camelCase to match the browser client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister    = "register"
	TypeGetUsers    = "get-users"
	TypeTyping      = "typing"
	TypeSendMessage = "send-message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session-created"
	TypeUsersList      = "users-list"
	TypeUserTyping     = "user-typing"
	TypeReceiveMessage = "receive-message"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg is sent by the client to register its display name and public
// encryption key with the presence directory. Both fields are treated as
// opaque strings by the server; the public key is expected to be SPKI PEM.
type RegisterMsg struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

// GetUsersMsg requests the current presence snapshot, excluding the
// requesting session itself.
type GetUsersMsg struct {
	Type string `json:"type"`
}

// ClientTypingMsg tells the server to forward a typing indicator to the
// recipient session.
type ClientTypingMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// SendMessageMsg carries an encrypted message envelope to be relayed to the
// recipient session. EncryptedMessage is base64 ciphertext the server never
// inspects; Timestamp is an opaque client-chosen string relayed verbatim.
type SendMessageMsg struct {
	Type             string `json:"type"`
	To               string `json:"to"`
	EncryptedMessage string `json:"encryptedMessage"`
	Timestamp        string `json:"timestamp"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established, informing the client of its server-assigned session ID.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// UserEntry is one registered session in a presence snapshot.
type UserEntry struct {
	SocketID  string `json:"socketId"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

// UsersListMsg carries a presence snapshot. It is pushed to all clients after
// every registration or disconnect, and returned unicast in reply to
// get-users.
type UsersListMsg struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

// UserTypingMsg relays a typing indicator, naming the sender session.
type UserTypingMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// ReceiveMessageMsg delivers a relayed message envelope to the recipient.
// EncryptedMessage and Timestamp are the sender's bytes, unchanged.
type ReceiveMessageMsg struct {
	Type             string `json:"type"`
	From             string `json:"from"`
	EncryptedMessage string `json:"encryptedMessage"`
	Timestamp        string `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetUsers:
		var m GetUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ClientTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
