// ABOUTME: Presence tracker tying connection lifecycle to user status
// ABOUTME: Persists online/offline state and broadcasts presence transitions

package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/parley-im/relay/internal/registry"
	"github.com/parley-im/relay/internal/store"
)

// Server-pushed presence events.
const (
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
)

// StatusUpdate is the payload of user-online / user-offline broadcasts.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// UserStatusStore is what the tracker needs from persistence.
type UserStatusStore interface {
	SetUserPresence(ctx context.Context, id, status string, lastActive time.Time) error
}

// Tracker applies connect/disconnect side effects: registry membership, the
// persisted user status, and global presence broadcasts.
type Tracker struct {
	registry *registry.Registry
	store    UserStatusStore
	logger   *slog.Logger
}

// New creates a Tracker. Pass nil logger for default.
func New(reg *registry.Registry, st UserStatusStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry: reg,
		store:    st,
		logger:   logger.With("component", "presence"),
	}
}

// HandleConnect registers the connection and marks the user online. The
// user-online broadcast goes out on every connect, not only the 0→1
// transition: it doubles as a last-active refresh signal for clients, which
// must tolerate duplicates.
func (t *Tracker) HandleConnect(ctx context.Context, userID string, conn registry.Conn) {
	t.registry.Register(userID, conn)

	if err := t.store.SetUserPresence(ctx, userID, store.StatusOnline, time.Now()); err != nil {
		t.logger.Error("failed to persist online status", "error", err, "user_id", userID)
	}

	t.registry.Broadcast(EventUserOnline, StatusUpdate{UserID: userID, Status: store.StatusOnline})

	t.logger.Info("user connected", "user_id", userID, "conn_id", conn.ID())
}

// HandleDisconnect unregisters the connection. Only when the user's last
// connection goes away is the offline status persisted and broadcast;
// presence must not flap while other devices remain connected. Repeated
// disconnect signals for the same handle are a silent no-op.
func (t *Tracker) HandleDisconnect(ctx context.Context, connID string) {
	userID, ok := t.registry.Unregister(connID)
	if !ok {
		return
	}

	if t.registry.IsOnline(userID) {
		t.logger.Debug("connection closed, user still online", "user_id", userID, "conn_id", connID)
		return
	}

	if err := t.store.SetUserPresence(ctx, userID, store.StatusOffline, time.Now()); err != nil {
		t.logger.Error("failed to persist offline status", "error", err, "user_id", userID)
	}

	t.registry.Broadcast(EventUserOffline, StatusUpdate{UserID: userID, Status: store.StatusOffline})

	t.logger.Info("user disconnected", "user_id", userID, "conn_id", connID)
}
