/*
Package gateway holds the single active websocket session per owner and
provides best-effort targeted delivery. The owner -> session map is the
only shared mutable structure; every operation that touches it
(authenticate/replace, send, disconnect, liveness sweep) serializes on
one registry lock.
*/
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/owners"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	maxMessageSize = 1 << 20          // Maximum message size allowed from peer.
)

// EventSink receives the asynchronous node -> cloud reports that the
// sync orchestrator records. Reports referencing unknown transfer ids
// must be logged and dropped by the implementation, never escalated.
type EventSink interface {
	SyncProgress(ownerID, syncID string)
	SyncComplete(ownerID string, report models.SyncCompletePayload)
	SyncError(ownerID string, report models.SyncErrorPayload)
	DriverSyncComplete(ownerID, syncID string)
	DriverSyncError(ownerID string, report models.SyncErrorPayload)
	ExecutionResult(ownerID string, result models.ExecutionResultPayload)
	StatusUpdate(ownerID string, raw json.RawMessage)
}

// InventoryProvider answers request_full_sync pulls. Device and scene
// CRUD live outside this gateway, so the inventory is pluggable.
type InventoryProvider interface {
	FullSync(ownerID string) (models.FullSyncPayload, error)
}

type Registry struct {
	appCtx    context.Context
	logger    *slog.Logger
	owners    *owners.Registry
	cfg       config.SessionsConfig
	upgrader  websocket.Upgrader
	sink      EventSink
	inventory InventoryProvider

	mu       sync.Mutex
	sessions map[string]*session

	// pumps counts the read/write goroutines of every accepted
	// connection so Shutdown can drain them before the store closes.
	pumps sync.WaitGroup
}

func New(ctx context.Context, logger *slog.Logger, cfg config.SessionsConfig, ownerRegistry *owners.Registry) *Registry {
	return &Registry{
		appCtx: ctx,
		logger: logger.WithGroup("gateway"),
		owners: ownerRegistry,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WebSocketReadBufferSize,
			WriteBufferSize: cfg.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}
}

// SetSink wires the async report receiver. Must be called before the
// first connection is accepted.
func (g *Registry) SetSink(sink EventSink) {
	g.sink = sink
}

// SetInventory wires the full-sync answer source.
func (g *Registry) SetInventory(provider InventoryProvider) {
	g.inventory = provider
}

// Start launches the liveness sweep. It returns immediately; the sweep
// runs until the registry's context is cancelled.
func (g *Registry) Start() {
	go g.livenessSweep()
}

// Shutdown terminates every active session and blocks until the pumps
// of every accepted connection have unwound. Disconnect bookkeeping
// writes through the owner registry, so the store must stay open until
// this returns.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	snapshot := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		snapshot = append(snapshot, s)
	}
	g.mu.Unlock()

	for _, s := range snapshot {
		s.terminate("gateway shutting down")
	}
	g.pumps.Wait()
	g.logger.Info("gateway shut down, all sessions drained")
}

// Send delivers the envelope if and only if the owner has a session
// whose outbound buffer accepts the write. It never blocks waiting for
// a session; higher layers decide what "not delivered" means.
func (g *Registry) Send(ownerID string, env models.Envelope) bool {
	message, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("failed to marshal envelope for send", "owner", ownerID, "type", env.Type, "error", err)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[ownerID]
	if !ok {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		g.logger.Warn("session send buffer full, message dropped", "owner", ownerID, "type", env.Type)
		return false
	}
}

func (g *Registry) IsOnline(ownerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[ownerID]
	return ok
}

func (g *Registry) ConnectedOwners() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	return ids
}

// register installs the session, replacing any pre-existing session for
// the same owner. The newly authenticated connection wins; the prior
// transport is closed.
func (g *Registry) register(s *session) {
	g.mu.Lock()
	prev := g.sessions[s.ownerID]
	g.sessions[s.ownerID] = s
	count := len(g.sessions)
	g.mu.Unlock()

	if prev != nil {
		g.logger.Info("replacing existing session, newest connection wins", "owner", s.ownerID)
		go prev.terminate("replaced by newer connection")
	}
	g.logger.Info("session registered", "owner", s.ownerID, "name", s.ownerName, "active_sessions", count)
}

// unregister removes the session and marks the owner offline. It runs
// exactly once per session via the session's own sync.Once, so racing
// close signals collapse to a single disconnect.
func (g *Registry) unregister(s *session) {
	g.mu.Lock()
	current, ok := g.sessions[s.ownerID]
	replaced := ok && current != s
	if ok && current == s {
		delete(g.sessions, s.ownerID)
	}
	close(s.send)
	g.mu.Unlock()

	if replaced {
		// A newer session for this owner is live; do not flip status.
		g.logger.Debug("stale session unregistered", "owner", s.ownerID)
		return
	}
	if err := g.owners.SetStatus(s.ownerID, models.OwnerOffline); err != nil {
		g.logger.Error("failed to mark owner offline on disconnect", "owner", s.ownerID, "error", err)
	}
	g.logger.Info("session unregistered, owner offline", "owner", s.ownerID)
}

/*
	Liveness protocol: every interval, terminate any session still
	unconfirmed from the previous pass, then mark the rest unconfirmed
	and ping them. A pong or any application message confirms a
	session, so two missed probe cycles close the connection.
*/
func (g *Registry) livenessSweep() {
	ticker := time.NewTicker(g.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.appCtx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			snapshot := make([]*session, 0, len(g.sessions))
			for _, s := range g.sessions {
				snapshot = append(snapshot, s)
			}
			g.mu.Unlock()

			for _, s := range snapshot {
				if !s.confirmed.Load() {
					g.logger.Warn("session missed two probe cycles, terminating", "owner", s.ownerID)
					s.terminate("liveness timeout")
					continue
				}
				s.confirmed.Store(false)
				s.requestPing()
			}
		}
	}
}
