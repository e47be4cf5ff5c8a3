// Package client provides a Go client for the secure chat relay. It connects
// using gobwas/ws (the same library the server uses), performs the
// session-created handshake, and implements the client side of the encryption
// contract: key generation at registration, per-recipient RSA-OAEP encryption
// before send, and decryption of incoming envelopes with the local private key.
//
// The relay never sees plaintext. All encryption happens in this package,
// before bytes reach the socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/securechat/relay/internal/keyring"
	"github.com/securechat/relay/internal/protocol"
)

// Peer is another registered user as announced by the directory.
type Peer struct {
	SessionID string
	Username  string
	PublicKey string // PEM-encoded, as published by the peer
}

// Incoming is a received chat message after decryption. If the envelope could
// not be decrypted with the local private key, DecryptFailed is set and Text
// is empty; the ciphertext is never exposed as if it were plaintext.
type Incoming struct {
	From          string // sender session ID
	Text          string
	Timestamp     string
	DecryptFailed bool
}

// TypingEvent signals that a peer is composing a message to us.
type TypingEvent struct {
	From string // sender session ID
}

// Client represents one connection to the relay. Events from the server are
// delivered on the Messages, Typing, and PeerUpdates channels; the read loop
// never blocks on a full channel, so slow consumers lose events rather than
// stalling the connection.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	username  string
	keys      *keyring.KeyPair
	peers     map[string]Peer // session ID -> peer

	Messages    chan Incoming
	Typing      chan TypingEvent
	PeerUpdates chan []Peer

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at the given WebSocket URL. The connection is
// established immediately and a background goroutine begins reading messages;
// call WaitForSession before Register to ensure the handshake has completed.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:        conn,
		peers:       make(map[string]Peer),
		Messages:    make(chan Incoming, 64),
		Typing:      make(chan TypingEvent, 16),
		PeerUpdates: make(chan []Peer, 8),
		done:        make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("client: connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Register generates a fresh RSA keypair, publishes the public key under the
// given username, and marks the session as registered. Calling Register again
// generates a new keypair; envelopes encrypted under the previous key become
// undecryptable, which matches the single-session key lifecycle.
func (c *Client) Register(username string) error {
	keys, err := keyring.Generate()
	if err != nil {
		return fmt.Errorf("client: generate keys: %w", err)
	}

	pemText, err := keys.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("client: encode public key: %w", err)
	}

	c.mu.Lock()
	c.keys = keys
	c.username = username
	c.mu.Unlock()

	return c.send(protocol.RegisterMsg{
		Type:      protocol.TypeRegister,
		Username:  username,
		PublicKey: pemText,
	})
}

// RequestPeers asks the relay for the current user list, excluding ourselves.
// The response arrives asynchronously on the PeerUpdates channel.
func (c *Client) RequestPeers() error {
	return c.send(protocol.GetUsersMsg{Type: protocol.TypeGetUsers})
}

// SendText encrypts text under the recipient's published public key and sends
// the envelope. The recipient must be present in the last received user list.
// Text longer than the RSA-OAEP capacity of the recipient's key is rejected
// with keyring.ErrPlaintextTooLarge.
func (c *Client) SendText(toSessionID string, text string) error {
	c.mu.Lock()
	peer, ok := c.peers[toSessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: unknown peer %q", toSessionID)
	}

	pub, err := keyring.ParsePublicKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("client: peer %q key: %w", toSessionID, err)
	}

	ciphertext, err := keyring.Encrypt(pub, []byte(text))
	if err != nil {
		return fmt.Errorf("client: encrypt for %q: %w", toSessionID, err)
	}

	return c.send(protocol.SendMessageMsg{
		Type:             protocol.TypeSendMessage,
		To:               toSessionID,
		EncryptedMessage: ciphertext,
		Timestamp:        time.Now().Format("15:04:05"),
	})
}

// SendTyping notifies the given peer that we are composing a message.
func (c *Client) SendTyping(toSessionID string) error {
	return c.send(protocol.ClientTypingMsg{
		Type: protocol.TypeTyping,
		To:   toSessionID,
	})
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Peers returns the most recent peer list, sorted by username, excluding
// ourselves.
func (c *Client) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	own := c.sessionID
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.SessionID == own {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Username != peers[j].Username {
			return peers[i].Username < peers[j].Username
		}
		return peers[i].SessionID < peers[j].SessionID
	})
	return peers
}

// PeerByUsername returns the first peer with the given username. Usernames are
// not unique, so callers that need an exact identity should use session IDs.
func (c *Client) PeerByUsername(username string) (Peer, bool) {
	for _, p := range c.Peers() {
		if p.Username == username {
			return p, true
		}
	}
	return Peer{}, false
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// send marshals and writes a client message. Goroutine-safe.
func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// readLoop continuously reads frames from the server and turns them into
// events on the client's channels. It runs until the connection is closed.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("client: read error: %v", err)
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case protocol.TypeSessionCreated:
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.mu.Lock()
				c.sessionID = msg.SessionID
				c.mu.Unlock()
			}

		case protocol.TypeUsersList:
			var msg protocol.UsersListMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.peers = make(map[string]Peer, len(msg.Users))
			for _, u := range msg.Users {
				c.peers[u.SocketID] = Peer{
					SessionID: u.SocketID,
					Username:  u.Username,
					PublicKey: u.PublicKey,
				}
			}
			c.mu.Unlock()
			push(c.PeerUpdates, c.Peers())

		case protocol.TypeUserTyping:
			var msg protocol.UserTypingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			push(c.Typing, TypingEvent{From: msg.From})

		case protocol.TypeReceiveMessage:
			var msg protocol.ReceiveMessageMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			push(c.Messages, c.decrypt(msg))

		case protocol.TypeError:
			var msg protocol.ErrorMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				log.Printf("client: server error code=%s: %s", msg.Code, msg.Message)
			}
		}
	}
}

// decrypt turns a received envelope into an Incoming event. Failure to decrypt
// (wrong key, corrupt ciphertext, no keypair yet) yields a DecryptFailed
// marker rather than an error; the conversation continues either way.
func (c *Client) decrypt(msg protocol.ReceiveMessageMsg) Incoming {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()

	in := Incoming{From: msg.From, Timestamp: msg.Timestamp}
	if keys == nil {
		in.DecryptFailed = true
		return in
	}

	plaintext, err := keyring.Decrypt(keys, msg.EncryptedMessage)
	if err != nil {
		in.DecryptFailed = true
		return in
	}
	in.Text = string(plaintext)
	return in
}

// push delivers an event without blocking the read loop.
func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
