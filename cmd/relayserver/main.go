package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/securechat/relay/internal/audit"
	"github.com/securechat/relay/internal/keyring"
	"github.com/securechat/relay/internal/messaging"
	"github.com/securechat/relay/internal/metrics"
	"github.com/securechat/relay/internal/presence"
	"github.com/securechat/relay/internal/protocol"
	"github.com/securechat/relay/internal/ratelimit"
	"github.com/securechat/relay/internal/relay"
	"github.com/securechat/relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	mirror, err := presence.NewMirror(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- PostgreSQL audit log (optional) ---
	var auditStore *audit.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		auditStore, err = audit.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open audit store: %v", err)
		}
	}

	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	log.Printf("Secure chat relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  audit_enabled:   %v", auditStore != nil)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	directory := presence.NewDirectory(server.Connections())
	relaySvc := relay.New(server, serverName, natsClient, mirror)

	// Connection admission: per-IP rate limit on the upgrade path only. The
	// forwarding path is never throttled.
	limiter := ratelimit.NewLimiter(mirror.Client())
	server.SetAdmit(func(r *http.Request) bool {
		allowed, _ := limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		return allowed
	})

	recordAudit := func(event, sessionID, username, publicKey string) {
		if auditStore == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := auditStore.Record(ctx, &audit.Event{
			SessionID:      sessionID,
			Username:       username,
			KeyFingerprint: keyring.Fingerprint(publicKey),
			Event:          event,
			Server:         serverName,
		})
		if err != nil {
			log.Printf("[audit] record %s session=%s: %v", event, sessionID, err)
		}
	}

	// -----------------------------------------------------------------------
	// register — publish username and public key, join the directory
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRegister, func(conn *ws.Connection, msg interface{}) {
		regMsg, ok := msg.(protocol.RegisterMsg)
		if !ok {
			return
		}
		sid := conn.ID

		// Both fields are opaque: no validation, no uniqueness. A malformed
		// key only surfaces when a peer fails to encrypt with it.
		directory.Register(sid, regMsg.Username, regMsg.PublicKey)
		conn.MarkRegistered()

		// Mirror the entry so other instances can route envelopes here.
		if entry, ok := directory.Get(sid); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := mirror.Put(ctx, entry); err != nil {
				log.Printf("[register] mirror put session=%s: %v", sid, err)
			}
			cancel()
		}

		// Envelopes published for this session on other instances arrive here.
		if err := natsClient.SubscribeSession(sid, func(data []byte) {
			if err := server.SendMessage(sid, data); err != nil {
				log.Printf("[relay-sub] send to session=%s failed: %v", sid, err)
			}
		}); err != nil {
			log.Printf("[register] nats subscribe session=%s: %v", sid, err)
		}

		recordAudit("register", sid, regMsg.Username, regMsg.PublicKey)
		log.Printf("register session=%s username=%q", sid, regMsg.Username)
	})

	// -----------------------------------------------------------------------
	// get-users — pull the directory snapshot, excluding the requester
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeGetUsers, func(conn *ws.Connection, msg interface{}) {
		data, err := presence.EncodeUsersList(directory.Snapshot(conn.ID))
		if err != nil {
			log.Printf("[get-users] encode for session=%s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[get-users] send to session=%s: %v", conn.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing — forward a typing indicator to one recipient
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.ClientTypingMsg)
		if !ok {
			return
		}
		relaySvc.ForwardTyping(conn.ID, typingMsg.To)
	})

	// -----------------------------------------------------------------------
	// send-message — forward an encrypted envelope, ciphertext untouched
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		relaySvc.ForwardMessage(conn.ID, sendMsg.To, sendMsg.EncryptedMessage, sendMsg.Timestamp)
	})

	// Disconnect: drop the directory entry (broadcasting the shrunk snapshot),
	// clear the mirror record, and tear down the NATS subscription.
	server.SetOnDisconnect(func(connID string) {
		entry, registered := directory.Get(connID)
		if directory.Remove(connID) {
			log.Printf("disconnect session=%s username=%q", connID, entry.Username)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := mirror.Delete(ctx, connID); err != nil {
			log.Printf("[disconnect] mirror delete session=%s: %v", connID, err)
		}
		cancel()

		_ = natsClient.UnsubscribeSession(connID)

		if registered {
			recordAudit("disconnect", connID, entry.Username, entry.PublicKey)
		}
	})

	// Keep mirrored records alive while their sessions are connected; records
	// owned by a crashed instance simply expire.
	go func() {
		ticker := time.NewTicker(presence.MirrorTTL / 4)
		defer ticker.Stop()
		for range ticker.C {
			for _, entry := range directory.Snapshot("") {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := mirror.RefreshTTL(ctx, entry.SessionID); err != nil {
					log.Printf("[mirror] refresh session=%s: %v", entry.SessionID, err)
				}
				cancel()
			}
		}
	}()

	// Prometheus metrics endpoint on its own listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := mirror.Close(); err != nil {
			log.Printf("mirror close error: %v", err)
		}
		if auditStore != nil {
			if err := auditStore.Close(); err != nil {
				log.Printf("audit store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// clientIP extracts the originating client IP, preferring X-Forwarded-For
// when the relay sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
