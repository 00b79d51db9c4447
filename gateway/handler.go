package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LatticeWorks/tether/models"
)

/*
	Handshake: the edge node dials the connect endpoint with its
	one-time connection token as a query parameter (?key=<token>).
	Token problems are reported on the websocket itself with close code
	1008 (policy violation) so the node can distinguish a bad key from
	a transport fault; 1011 covers internal errors after auth.
*/

// HandleConnect upgrades the request and authenticates the session.
func (g *Registry) HandleConnect(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	active := len(g.sessions)
	g.mu.Unlock()
	if active >= g.cfg.MaxConnections {
		g.logger.Warn("max websocket connections reached, rejecting new connection", "current", active, "max", g.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("key")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("failed to upgrade websocket connection", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	owner, err := g.owners.GetByToken(token)
	if err != nil {
		g.logger.Warn("websocket handshake with invalid connection token", "remote_addr", conn.RemoteAddr().String())
		g.closeWith(conn, websocket.ClosePolicyViolation, "invalid connection token")
		return
	}

	if err := g.owners.SetStatus(owner.ID, models.OwnerOnline); err != nil {
		g.logger.Error("failed to mark owner online during handshake", "owner", owner.ID, "error", err)
		g.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	s := newSession(g, conn, owner)
	g.register(s)

	g.logger.Info("websocket connection established", "owner", owner.ID, "name", owner.Name, "remote_addr", conn.RemoteAddr().String())

	// Handshake ack goes out first, ahead of anything queued later.
	s.sendEnvelope(models.MsgConnected, models.ConnectedPayload{
		OwnerID: owner.ID,
		Name:    owner.Name,
	})

	g.pumps.Add(2)
	go func() {
		defer g.pumps.Done()
		s.writePump()
	}()
	go func() {
		defer g.pumps.Done()
		s.readPump()
	}()
}

func (g *Registry) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	if err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		deadline,
	); err != nil {
		g.logger.Debug("handshake close write failed", "error", err)
	}
	conn.Close()
}
