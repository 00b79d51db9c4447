package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LatticeWorks/tether/models"
)

// session is the transient per-connection state. It exists only while
// the transport is open and is owned exclusively by the registry; other
// components address it by owner id through the registry on each call.
type session struct {
	ownerID   string
	ownerName string
	conn      *websocket.Conn
	registry  *Registry
	logger    *slog.Logger

	// Buffered channel of outbound messages.
	send chan []byte
	// Ping requests from the liveness sweep, coalesced.
	pingCh chan struct{}

	// confirmed is reset by the sweep and set by any pong or inbound
	// application message.
	confirmed atomic.Bool

	closeOnce sync.Once
	unregOnce sync.Once
}

func newSession(registry *Registry, conn *websocket.Conn, owner models.Owner) *session {
	s := &session{
		ownerID:   owner.ID,
		ownerName: owner.Name,
		conn:      conn,
		registry:  registry,
		logger:    registry.logger.With("owner", owner.ID),
		send:      make(chan []byte, registry.cfg.SendBufferSize),
		pingCh:    make(chan struct{}, 1),
	}
	s.confirmed.Store(true)
	return s
}

// terminate closes the transport. The read pump observes the close and
// drives the (single) unregister path, so racing terminations collapse
// into one disconnect.
func (s *session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Info("terminating session", "reason", reason)
		deadline := time.Now().Add(writeWait)
		if err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			deadline,
		); err != nil {
			s.logger.Debug("close message write failed", "error", err)
		}
		s.conn.Close()
	})
}

func (s *session) requestPing() {
	select {
	case s.pingCh <- struct{}{}:
	default:
	}
}

func (s *session) unregister() {
	s.unregOnce.Do(func() {
		s.registry.unregister(s)
	})
}

// readPump pumps messages from the websocket connection into the
// registry dispatch. At most one reader runs per connection.
func (s *session) readPump() {
	defer func() {
		s.unregister()
		s.conn.Close()
		s.logger.Info("read pump finished, connection closed")
	}()
	s.conn.SetReadLimit(maxMessageSize)

	s.conn.SetPongHandler(func(string) error {
		s.confirmed.Store(true)
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			} else {
				s.logger.Info("websocket connection closed", "error", err)
			}
			break
		}
		s.registry.dispatch(s, message)
	}
}

// writePump owns all writes to the connection: queued envelopes, sweep
// pings, and the final close.
func (s *session) writePump() {
	defer func() {
		s.conn.Close()
		s.logger.Debug("write pump finished")
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry closed the channel on unregister.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Error("websocket message write error", "error", err)
				return
			}
		case <-s.pingCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("websocket ping write error", "error", err)
				return
			}
		case <-s.registry.appCtx.Done():
			s.logger.Info("registry context done, closing connection from write pump")
			s.terminate("gateway shutting down")
			return
		}
	}
}

// sendEnvelope queues a cloud -> node message on this session's own
// buffer, bypassing the registry map lookup.
func (s *session) sendEnvelope(msgType string, data any) {
	env, err := models.NewEnvelope(msgType, data)
	if err != nil {
		s.logger.Error("failed to build envelope", "type", msgType, "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to marshal envelope", "type", msgType, "error", err)
		return
	}
	select {
	case s.send <- raw:
	default:
		s.logger.Warn("session send buffer full, message dropped", "type", msgType)
	}
}
