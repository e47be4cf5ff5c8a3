// Package messaging provides a NATS client wrapper for routing relay events
// between server instances. Each instance subscribes to a per-session subject
// for every locally-connected session; envelopes addressed to a session on
// another instance are published to that subject and delivered by its owner.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectSession is the subject prefix for per-session relay delivery,
// completed as relay.session.<session_id>.
const SubjectSession = "relay.session"

// NATSClient wraps the NATS connection with helper methods for per-session
// pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "securechat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishToSession publishes an encoded server message toward the given
// session's subject. Delivery is at-most-once: if no instance is subscribed
// the message is gone, which matches the relay's drop semantics.
func (c *NATSClient) PublishToSession(sessionID string, data []byte) error {
	return c.conn.Publish(SubjectSession+"."+sessionID, data)
}

// SubscribeSession subscribes to the relay subject for a locally-connected
// session. The handler receives the raw encoded server message and is
// expected to write it to the local WebSocket connection. Re-subscribing for
// the same session replaces the previous subscription.
func (c *NATSClient) SubscribeSession(sessionID string, handler func(data []byte)) error {
	subject := SubjectSession + "." + sessionID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs[subject]; ok {
		_ = prev.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeSession removes the relay subscription for a session, typically
// on disconnect. Unsubscribing a session with no subscription is a no-op.
func (c *NATSClient) UnsubscribeSession(sessionID string) error {
	return c.unsubscribe(SubjectSession + "." + sessionID)
}

// unsubscribe removes and unsubscribes a stored subscription by key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
