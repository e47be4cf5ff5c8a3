// Package relay forwards typing indicators and encrypted message envelopes
// to a named recipient session. Forwards are fire-and-forget: the sender
// never learns whether delivery succeeded, and envelopes addressed to absent
// recipients are silently dropped. The relay never inspects, validates, or
// stores ciphertext.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/securechat/relay/internal/metrics"
	"github.com/securechat/relay/internal/presence"
	"github.com/securechat/relay/internal/protocol"
)

// Sender delivers an encoded server message to a locally-connected session.
// The ws Server satisfies this interface; Send returns an error when the
// session is not connected to this instance.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// RemotePublisher publishes an encoded server message toward a session that
// is connected to another instance. The messaging NATS client satisfies it.
type RemotePublisher interface {
	PublishToSession(sessionID string, data []byte) error
}

// Locator resolves which instance, if any, a session is connected to. The
// presence Mirror satisfies it; Lookup returns nil when the session is
// unknown everywhere.
type Locator interface {
	Lookup(ctx context.Context, sessionID string) (*presence.Record, error)
}

// Relay routes events to recipients: directly for sessions on this instance,
// over NATS for sessions mirrored on another instance, and silently dropped
// otherwise. Remote and locator are optional; a single-instance deployment
// passes nil for both and gets local-or-drop semantics.
type Relay struct {
	local      Sender
	serverName string
	remote     RemotePublisher
	locator    Locator
}

// lookupTimeout bounds the mirror query on the remote-routing path.
const lookupTimeout = 2 * time.Second

// New creates a Relay. serverName identifies this instance in mirror records
// so the relay can tell local sessions from remote ones.
func New(local Sender, serverName string, remote RemotePublisher, locator Locator) *Relay {
	return &Relay{
		local:      local,
		serverName: serverName,
		remote:     remote,
		locator:    locator,
	}
}

// ForwardTyping delivers a user-typing signal naming the sender to the one
// recipient session, if connected. Best-effort: absent recipients are
// silently dropped and the sender is never notified.
func (r *Relay) ForwardTyping(from, to string) {
	if to == "" {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		From: from,
	})
	if err != nil {
		log.Printf("relay: failed to build user-typing from=%s: %v", from, err)
		return
	}
	r.deliver("typing", to, data)
}

// ForwardMessage delivers an encrypted envelope to the recipient session
// with the ciphertext and timestamp unchanged. The relay performs no
// decryption, no ciphertext validation, and no rate limiting; if the
// recipient is not connected anywhere the envelope is dropped without error.
func (r *Relay) ForwardMessage(from, to, encryptedMessage, timestamp string) {
	if to == "" {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		From:             from,
		EncryptedMessage: encryptedMessage,
		Timestamp:        timestamp,
	})
	if err != nil {
		log.Printf("relay: failed to build receive-message from=%s: %v", from, err)
		return
	}
	r.deliver("message", to, data)
}

// deliver attempts local delivery first, then remote routing via the mirror.
// Recipient lookup and send are not a single critical section: a recipient
// that disconnects inside that window loses the event, which the design
// accepts as eventual-consistency (the send error is counted as a drop).
func (r *Relay) deliver(event, to string, data []byte) {
	if err := r.local.SendMessage(to, data); err == nil {
		metrics.RelayEventsTotal.WithLabelValues(event, "delivered").Inc()
		return
	}

	if r.locator == nil || r.remote == nil {
		metrics.RelayEventsTotal.WithLabelValues(event, "dropped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	record, err := r.locator.Lookup(ctx, to)
	if err != nil {
		log.Printf("relay: mirror lookup failed for %s: %v (dropping %s)", to, err, event)
		metrics.RelayEventsTotal.WithLabelValues(event, "dropped").Inc()
		return
	}
	if record == nil || record.Server == r.serverName {
		// Unknown everywhere, or supposedly local but the connection is
		// already gone. Either way: drop.
		metrics.RelayEventsTotal.WithLabelValues(event, "dropped").Inc()
		return
	}

	if err := r.remote.PublishToSession(to, data); err != nil {
		log.Printf("relay: remote publish for %s failed: %v (dropping %s)", to, err, event)
		metrics.RelayEventsTotal.WithLabelValues(event, "dropped").Inc()
		return
	}
	metrics.RelayEventsTotal.WithLabelValues(event, "remote").Inc()
}
