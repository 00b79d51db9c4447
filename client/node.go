package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LatticeWorks/tether/models"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	handshakeTimeout         = 10 * time.Second
	nodeWriteWait            = 10 * time.Second
)

// Applier is the controller-local half of the sync pipeline: it takes
// the pushed file set and makes it the node's live configuration.
type Applier interface {
	Apply(version int, files models.FileSet) error
}

// SceneRunner executes a scene on the node. The returned message is
// forwarded verbatim in the execution result.
type SceneRunner interface {
	Run(sceneID string) (ok bool, message string)
}

// DriverInstaller installs generated driver code on the node.
type DriverInstaller interface {
	Install(driverID, code string, commands map[string]string) error
}

type NodeConfig struct {
	// Address is the gateway host:port.
	Address string
	// Token is this controller's connection secret.
	Token      string
	UseTLS     bool
	SkipVerify bool

	HeartbeatInterval time.Duration
	Logger            *slog.Logger

	Applier    Applier
	Scenes     SceneRunner
	Drivers    DriverInstaller
	OnConfig   func(configType string, payload json.RawMessage)
	OnFullSync func(payload models.FullSyncPayload)
}

// Node is an edge controller's session with the gateway. One Node holds
// at most one live connection; Run blocks until the session ends.
type Node struct {
	cfg    NodeConfig
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	ownerID string
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Node{
		cfg:    cfg,
		logger: logger.WithGroup("tether_node"),
	}, nil
}

// OwnerID reports the identity the gateway assigned in its connected
// greeting. Empty until the greeting arrives.
func (n *Node) OwnerID() string {
	return n.ownerID
}

// Run dials the gateway and services the session until the connection
// drops or the context is cancelled. The caller decides the reconnect
// policy; Run itself never redials.
func (n *Node) Run(ctx context.Context) error {
	scheme := "ws"
	if n.cfg.UseTLS {
		scheme = "wss"
	}
	wsURL := url.URL{
		Scheme: scheme,
		Host:   n.cfg.Address,
		Path:   "/gateway/api/v1/connect",
	}
	query := wsURL.Query()
	query.Set("key", n.cfg.Token)
	wsURL.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: n.cfg.SkipVerify,
		},
	}

	n.logger.Info("dialing gateway", "url", wsURL.Host)
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial gateway (status %s): %w", resp.Status, err)
		}
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	n.conn = conn
	defer conn.Close()

	// The gateway's liveness sweep probes with pings; gorilla's default
	// ping handler answers with a pong, which is exactly the liveness
	// confirmation the sweep wants. We only add logging.
	conn.SetPingHandler(func(appData string) error {
		n.logger.Debug("liveness ping from gateway")
		n.writeMu.Lock()
		defer n.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(nodeWriteWait))
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go n.heartbeatLoop(runCtx)
	go func() {
		<-runCtx.Done()
		n.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(nodeWriteWait),
		)
		n.writeMu.Unlock()
		conn.Close()
	}()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				n.logger.Info("gateway closed session", "code", closeErr.Code, "reason", closeErr.Text)
				return fmt.Errorf("session closed by gateway (%d): %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("session read failed: %w", err)
		}
		n.dispatch(env)
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.send(models.MsgHeartbeat, nil); err != nil {
				n.logger.Error("failed to send heartbeat", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) send(msgType string, data any) error {
	env, err := models.NewEnvelope(msgType, data)
	if err != nil {
		return err
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.conn.SetWriteDeadline(time.Now().Add(nodeWriteWait))
	return n.conn.WriteJSON(env)
}

// RequestFullSync asks the gateway for the full device/scene inventory.
// The reply arrives asynchronously through OnFullSync.
func (n *Node) RequestFullSync() error {
	return n.send(models.MsgRequestFullSync, nil)
}

// ReportStatus pushes an opaque node status blob to the gateway.
func (n *Node) ReportStatus(status json.RawMessage) error {
	return n.send(models.MsgStatusUpdate, status)
}

func (n *Node) dispatch(env models.Envelope) {
	switch env.Type {

	case models.MsgConnected:
		var p models.ConnectedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed connected greeting", "error", err)
			return
		}
		n.ownerID = p.OwnerID
		n.logger.Info("session established", "owner", p.OwnerID, "name", p.Name)

	case models.MsgHeartbeatAck:
		n.logger.Debug("heartbeat acknowledged")

	case models.MsgGUISync:
		var p models.GUISyncPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed gui_sync payload", "error", err)
			return
		}
		n.handleGUISync(p)

	case models.MsgExecuteScene:
		var p models.ExecuteScenePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed execute_scene payload", "error", err)
			return
		}
		n.handleExecuteScene(p)

	case models.MsgDriverSync:
		var p models.DriverSyncPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed driver_sync payload", "error", err)
			return
		}
		n.handleDriverSync(p)

	case models.MsgConfigUpdate:
		var p models.ConfigUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed config_update payload", "error", err)
			return
		}
		if n.cfg.OnConfig != nil {
			n.cfg.OnConfig(p.ConfigType, p.Payload)
		}

	case models.MsgFullSync:
		var p models.FullSyncPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			n.logger.Error("malformed full_sync payload", "error", err)
			return
		}
		if n.cfg.OnFullSync != nil {
			n.cfg.OnFullSync(p)
		}

	case models.MsgError:
		var p models.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			n.logger.Warn("error notice from gateway", "message", p.Message)
		}

	default:
		n.logger.Warn("unknown message type from gateway, dropping", "type", env.Type)
	}
}

// handleGUISync acknowledges receipt first, applies the file set, then
// reports the terminal outcome with timing.
func (n *Node) handleGUISync(p models.GUISyncPayload) {
	if err := n.send(models.MsgSyncProgress, models.SyncProgressPayload{SyncID: p.SyncID}); err != nil {
		n.logger.Error("failed to acknowledge sync", "sync_id", p.SyncID, "error", err)
		return
	}

	started := time.Now()
	var applyErr error
	if n.cfg.Applier == nil {
		applyErr = fmt.Errorf("no applier configured")
	} else {
		applyErr = n.cfg.Applier.Apply(p.Version, p.Files)
	}

	if applyErr != nil {
		n.logger.Error("failed to apply configuration", "sync_id", p.SyncID, "version", p.Version, "error", applyErr)
		if err := n.send(models.MsgSyncError, models.SyncErrorPayload{
			SyncID:       p.SyncID,
			ErrorMessage: applyErr.Error(),
		}); err != nil {
			n.logger.Error("failed to report sync error", "sync_id", p.SyncID, "error", err)
		}
		return
	}

	if err := n.send(models.MsgSyncComplete, models.SyncCompletePayload{
		SyncID:      p.SyncID,
		Version:     p.Version,
		DurationMS:  time.Since(started).Milliseconds(),
		FilesSynced: len(p.Files),
	}); err != nil {
		n.logger.Error("failed to report sync completion", "sync_id", p.SyncID, "error", err)
		return
	}
	n.logger.Info("configuration applied", "sync_id", p.SyncID, "version", p.Version, "files", len(p.Files))
}

func (n *Node) handleExecuteScene(p models.ExecuteScenePayload) {
	ok := false
	message := "no scene runner configured"
	if n.cfg.Scenes != nil {
		ok, message = n.cfg.Scenes.Run(p.SceneID)
	}
	if err := n.send(models.MsgExecutionResult, models.ExecutionResultPayload{
		SceneID: p.SceneID,
		Success: ok,
		Message: message,
	}); err != nil {
		n.logger.Error("failed to report execution result", "scene_id", p.SceneID, "error", err)
	}
}

func (n *Node) handleDriverSync(p models.DriverSyncPayload) {
	var installErr error
	if n.cfg.Drivers == nil {
		installErr = fmt.Errorf("no driver installer configured")
	} else {
		installErr = n.cfg.Drivers.Install(p.DriverID, p.Code, p.Commands)
	}

	if installErr != nil {
		n.logger.Error("failed to install driver", "sync_id", p.SyncID, "driver_id", p.DriverID, "error", installErr)
		if err := n.send(models.MsgDriverSyncError, models.SyncErrorPayload{
			SyncID:       p.SyncID,
			ErrorMessage: installErr.Error(),
		}); err != nil {
			n.logger.Error("failed to report driver sync error", "sync_id", p.SyncID, "error", err)
		}
		return
	}

	if err := n.send(models.MsgDriverSyncComplete, models.SyncProgressPayload{SyncID: p.SyncID}); err != nil {
		n.logger.Error("failed to report driver sync completion", "sync_id", p.SyncID, "error", err)
		return
	}
	n.logger.Info("driver installed", "sync_id", p.SyncID, "driver_id", p.DriverID)
}
