// ABOUTME: Per-connection session: state machine, read/write pumps, dispatch
// ABOUTME: Unauthenticated -> Authenticated -> Closed; one goroutine each way

package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-im/relay/internal/metrics"
)

// Session lifecycle states.
const (
	stateUnauthenticated int32 = iota
	stateAuthenticated
	stateClosed
)

// Session is one live websocket connection for an authenticated user. It
// implements registry.Conn: fan-out from any goroutine lands in the send
// buffer and the write pump drains it to the socket.
type Session struct {
	id     string
	userID string

	conn  *websocket.Conn
	send  chan outbound
	done  chan struct{}
	state atomic.Int32

	relay     *Relay
	logger    *slog.Logger
	closeOnce sync.Once
}

func newSession(id, userID string, conn *websocket.Conn, r *Relay) *Session {
	s := &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan outbound, r.cfg.SendBuffer),
		done:   make(chan struct{}),
		relay:  r,
		logger: r.logger.With("conn_id", id, "user_id", userID),
	}
	s.state.Store(stateUnauthenticated)
	return s
}

// ID returns the connection handle.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated identity bound to this connection.
func (s *Session) UserID() string { return s.userID }

// authenticate moves the session into the Authenticated state. The relay
// only constructs sessions after token verification, so this is the sole
// transition out of Unauthenticated.
func (s *Session) authenticate() {
	s.state.CompareAndSwap(stateUnauthenticated, stateAuthenticated)
}

// Send enqueues an event for delivery. Non-blocking: a session whose buffer
// is full drops the event rather than stalling the sender's fan-out loop.
func (s *Session) Send(event string, data any) {
	if s.state.Load() == stateClosed {
		return
	}
	select {
	case s.send <- outbound{Event: event, Data: data}:
		metrics.FanoutPushes.Inc()
	default:
		metrics.EventsDropped.Inc()
		s.logger.Warn("send buffer full, dropping event", "event", event)
	}
}

// Close tears the session down. Safe to call multiple times; the disconnect
// path runs exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		close(s.done)
		_ = s.conn.Close()

		// Disconnect side effects run against a fresh context: the request
		// context is already gone by the time the socket closes.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.relay.tracker.HandleDisconnect(ctx, s.id)

		metrics.ConnectionsActive.Dec()
		s.logger.Debug("session closed")
	})
}

// sendError delivers the uniform error envelope to this connection only.
func (s *Session) sendError(message string, status int) {
	s.Send(EventChatError, ChatError{Message: message, Status: status})
}

// readPump consumes inbound frames until the connection drops, dispatching
// each event. It owns the read side of the socket.
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(s.relay.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.relay.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.relay.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError("malformed event envelope", 400)
			continue
		}
		if env.Event == "" {
			s.sendError("event name is required", 400)
			continue
		}

		s.dispatch(env)
	}
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings. It owns the write side of the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.relay.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case out := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.relay.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(out); err != nil {
				s.logger.Debug("write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.relay.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// dispatch routes one inbound event to its handler. Only authenticated
// sessions may issue protocol events; anything else closes the connection.
func (s *Session) dispatch(env Envelope) {
	if s.state.Load() != stateAuthenticated {
		s.sendError("not authenticated", 401)
		s.Close()
		return
	}

	metrics.EventsDispatched.WithLabelValues(env.Event).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.relay.cfg.RequestTimeout)
	defer cancel()

	switch env.Event {
	case EventSendPrivateMessage:
		s.relay.handleSendPrivateMessage(ctx, s, env.Data)
	case EventSendGroupMessage:
		s.relay.handleSendGroupMessage(ctx, s, env.Data)
	case EventCreateConversation:
		s.relay.handleCreateConversation(ctx, s, env.Data)
	case EventGetChatHistory:
		s.relay.handleGetChatHistory(ctx, s, env.Data)
	case EventGetUserConversations:
		s.relay.handleGetUserConversations(ctx, s, env.Data)
	case EventTypingIndicator:
		s.relay.handleTypingIndicator(ctx, s, env.Data)
	case EventMarkConversationAsRead:
		s.relay.handleMarkConversationAsRead(ctx, s, env.Data)
	case EventDeleteMessage:
		s.relay.handleDeleteMessage(ctx, s, env.Data)
	case EventUpdateMessage:
		s.relay.handleUpdateMessage(ctx, s, env.Data)
	default:
		s.sendError("unknown event: "+env.Event, 400)
	}
}
