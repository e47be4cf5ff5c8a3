package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MirrorPrefix is the Redis key prefix for mirrored presence records.
	MirrorPrefix = "presence:"

	// MirrorTTL is the time-to-live for mirrored records. The owning server
	// refreshes it while the session lives; a crashed server's records
	// expire on their own.
	MirrorTTL = 1 * time.Hour
)

// Record is a mirrored presence entry as stored in Redis. Server names which
// instance owns the connection, so relays on other instances can route
// envelopes over NATS instead of dropping them.
type Record struct {
	SessionID    string `redis:"id"`
	Username     string `redis:"username"`
	PublicKey    string `redis:"public_key"`
	Server       string `redis:"server"`
	RegisteredAt int64  `redis:"registered_at"`
}

// Mirror replicates the local presence directory into Redis so a
// multi-instance deployment can discover sessions connected elsewhere. All
// operations are best-effort: the in-memory directory stays authoritative
// for local delivery, and mirror failures only degrade cross-instance
// routing.
type Mirror struct {
	client     *redis.Client
	serverName string
}

// NewMirror connects to Redis and returns a presence mirror for this server
// instance. It returns an error if the initial connection fails.
func NewMirror(redisAddr string, serverName string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Mirror{client: client, serverName: serverName}, nil
}

// Put writes a session's presence record to Redis with the mirror TTL.
func (m *Mirror) Put(ctx context.Context, e Entry) error {
	key := MirrorPrefix + e.SessionID

	record := map[string]interface{}{
		"id":            e.SessionID,
		"username":      e.Username,
		"public_key":    e.PublicKey,
		"server":        m.serverName,
		"registered_at": e.RegisteredAt.Unix(),
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, MirrorTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup retrieves a mirrored record by session ID. Returns nil if the
// session is not mirrored (unknown, expired, or never registered).
func (m *Mirror) Lookup(ctx context.Context, sessionID string) (*Record, error) {
	key := MirrorPrefix + sessionID
	var record Record
	err := m.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.SessionID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// RefreshTTL extends a mirrored record's TTL. Called from the heartbeat path
// so long-lived sessions do not expire out of the mirror.
func (m *Mirror) RefreshTTL(ctx context.Context, sessionID string) error {
	key := MirrorPrefix + sessionID
	return m.client.Expire(ctx, key, MirrorTTL).Err()
}

// Delete removes a session's mirrored record. Idempotent.
func (m *Mirror) Delete(ctx context.Context, sessionID string) error {
	key := MirrorPrefix + sessionID
	return m.client.Del(ctx, key).Err()
}

// ServerName returns the instance name records are stamped with.
func (m *Mirror) ServerName() string {
	return m.serverName
}

// Client returns the underlying Redis client for use by other packages
// (e.g., the connection rate limiter).
func (m *Mirror) Client() *redis.Client {
	return m.client
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
