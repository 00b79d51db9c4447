package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/owners"
	"github.com/LatticeWorks/tether/tkv"
)

type recordingSink struct {
	mu         sync.Mutex
	progress   []string
	complete   []models.SyncCompletePayload
	executions []models.ExecutionResultPayload
	statuses   int
}

func (r *recordingSink) SyncProgress(_, syncID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, syncID)
}

func (r *recordingSink) SyncComplete(_ string, report models.SyncCompletePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = append(r.complete, report)
}

func (r *recordingSink) SyncError(string, models.SyncErrorPayload)       {}
func (r *recordingSink) DriverSyncComplete(string, string)               {}
func (r *recordingSink) DriverSyncError(string, models.SyncErrorPayload) {}

func (r *recordingSink) ExecutionResult(_ string, result models.ExecutionResultPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, result)
}

func (r *recordingSink) StatusUpdate(string, json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses++
}

type fixedInventory struct{}

func (fixedInventory) FullSync(string) (models.FullSyncPayload, error) {
	return models.FullSyncPayload{
		Devices: []json.RawMessage{json.RawMessage(`{"id":"lamp"}`)},
		Scenes:  []json.RawMessage{},
	}, nil
}

type testGateway struct {
	registry *Registry
	ownerReg *owners.Registry
	server   *httptest.Server
	sink     *recordingSink
}

func newTestGateway(t *testing.T, cfg config.SessionsConfig) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	kv, err := tkv.New(tkv.Config{
		Logger:    logger,
		Directory: t.TempDir(),
		AppCtx:    context.Background(),
	})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = config.DefaultSendBufferSize
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = config.DefaultMaxConnections
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = config.DefaultLivenessInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ownerReg := owners.New(logger, kv)
	registry := New(ctx, logger, cfg, ownerReg)
	sink := &recordingSink{}
	registry.SetSink(sink)
	registry.SetInventory(fixedInventory{})
	// Registered after the store cleanup so the pumps drain first.
	t.Cleanup(registry.Shutdown)

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/api/v1/connect", registry.HandleConnect)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testGateway{
		registry: registry,
		ownerReg: ownerReg,
		server:   server,
		sink:     sink,
	}
}

func (tg *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/gateway/api/v1/connect?key=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial test gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	env, err := models.NewEnvelope(msgType, data)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateway_InvalidToken(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})

	conn := tg.dial(t, "not-a-real-token")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code got = %d, want %d (policy violation)", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestGateway_ConnectGreetingAndStatus(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	env := readEnvelope(t, conn)
	if env.Type != models.MsgConnected {
		t.Fatalf("first envelope type got = %s, want connected", env.Type)
	}
	var greeting models.ConnectedPayload
	if err := json.Unmarshal(env.Data, &greeting); err != nil {
		t.Fatalf("greeting unmarshal error = %v", err)
	}
	if greeting.OwnerID != owner.ID || greeting.Name != "hub" {
		t.Errorf("greeting got = %+v", greeting)
	}

	if !tg.registry.IsOnline(owner.ID) {
		t.Errorf("IsOnline() = false after connect")
	}
	stored, _ := tg.ownerReg.Get(owner.ID)
	if stored.Status != models.OwnerOnline {
		t.Errorf("stored status got = %s, want online", stored.Status)
	}

	conn.Close()
	waitFor(t, "owner to go offline", func() bool {
		stored, err := tg.ownerReg.Get(owner.ID)
		return err == nil && stored.Status == models.OwnerOffline
	})
	if tg.registry.IsOnline(owner.ID) {
		t.Errorf("IsOnline() = true after disconnect")
	}
}

func TestGateway_HeartbeatAck(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn) // greeting

	before, _ := tg.ownerReg.Get(owner.ID)
	time.Sleep(5 * time.Millisecond)
	sendEnvelope(t, conn, models.MsgHeartbeat, nil)

	env := readEnvelope(t, conn)
	if env.Type != models.MsgHeartbeatAck {
		t.Fatalf("envelope type got = %s, want heartbeat_ack", env.Type)
	}
	waitFor(t, "last-seen to advance", func() bool {
		after, err := tg.ownerReg.Get(owner.ID)
		return err == nil && after.LastSeenAt.After(before.LastSeenAt)
	})
}

func TestGateway_NewestConnectionWins(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first := tg.dial(t, owner.Token)
	readEnvelope(t, first)

	second := tg.dial(t, owner.Token)
	readEnvelope(t, second)

	// The replaced transport is closed by the gateway.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("first connection still readable after replacement")
	}

	// The stale session's teardown must not flip the live one offline.
	waitFor(t, "first session teardown", func() bool {
		return tg.registry.IsOnline(owner.ID)
	})
	time.Sleep(50 * time.Millisecond)
	if !tg.registry.IsOnline(owner.ID) {
		t.Fatalf("IsOnline() = false while the replacement session is live")
	}
	stored, _ := tg.ownerReg.Get(owner.ID)
	if stored.Status != models.OwnerOnline {
		t.Errorf("stored status got = %s, want online", stored.Status)
	}

	// The replacement session still works.
	sendEnvelope(t, second, models.MsgHeartbeat, nil)
	env := readEnvelope(t, second)
	if env.Type != models.MsgHeartbeatAck {
		t.Errorf("envelope type got = %s, want heartbeat_ack", env.Type)
	}
}

func TestGateway_SendDelivery(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("send to an offline owner", func(t *testing.T) {
		env, _ := models.NewEnvelope(models.MsgExecuteScene, models.ExecuteScenePayload{SceneID: "movie"})
		if tg.registry.Send(owner.ID, env) {
			t.Errorf("Send() = true for an offline owner")
		}
	})

	t.Run("send reaches the live session", func(t *testing.T) {
		conn := tg.dial(t, owner.Token)
		readEnvelope(t, conn)

		env, _ := models.NewEnvelope(models.MsgExecuteScene, models.ExecuteScenePayload{SceneID: "movie"})
		if !tg.registry.Send(owner.ID, env) {
			t.Fatalf("Send() = false for a live session")
		}
		got := readEnvelope(t, conn)
		if got.Type != models.MsgExecuteScene {
			t.Fatalf("envelope type got = %s, want execute_scene", got.Type)
		}
		var payload models.ExecuteScenePayload
		if err := json.Unmarshal(got.Data, &payload); err != nil {
			t.Fatalf("payload unmarshal error = %v", err)
		}
		if payload.SceneID != "movie" {
			t.Errorf("scene id got = %s, want movie", payload.SceneID)
		}
	})
}

func TestGateway_ReportDispatch(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, models.MsgSyncProgress, models.SyncProgressPayload{SyncID: "sync-1"})
	sendEnvelope(t, conn, models.MsgSyncComplete, models.SyncCompletePayload{SyncID: "sync-1", Version: 4})
	sendEnvelope(t, conn, models.MsgExecutionResult, models.ExecutionResultPayload{SceneID: "movie", Success: true})
	sendEnvelope(t, conn, models.MsgStatusUpdate, map[string]string{"cpu": "12%"})
	sendEnvelope(t, conn, "no_such_type", nil) // dropped, session survives

	waitFor(t, "reports to reach the sink", func() bool {
		tg.sink.mu.Lock()
		defer tg.sink.mu.Unlock()
		return len(tg.sink.progress) == 1 &&
			len(tg.sink.complete) == 1 &&
			len(tg.sink.executions) == 1 &&
			tg.sink.statuses == 1
	})

	tg.sink.mu.Lock()
	if tg.sink.progress[0] != "sync-1" || tg.sink.complete[0].Version != 4 || !tg.sink.executions[0].Success {
		t.Errorf("sink captured %v / %v / %v", tg.sink.progress, tg.sink.complete, tg.sink.executions)
	}
	tg.sink.mu.Unlock()

	// Session still answers after the unknown type.
	sendEnvelope(t, conn, models.MsgHeartbeat, nil)
	env := readEnvelope(t, conn)
	if env.Type != models.MsgHeartbeatAck {
		t.Errorf("envelope type got = %s, want heartbeat_ack", env.Type)
	}
}

func TestGateway_FullSyncRequest(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn)

	sendEnvelope(t, conn, models.MsgRequestFullSync, nil)
	env := readEnvelope(t, conn)
	if env.Type != models.MsgFullSync {
		t.Fatalf("envelope type got = %s, want full_sync", env.Type)
	}
	var payload models.FullSyncPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if len(payload.Devices) != 1 {
		t.Errorf("full sync devices got = %d, want 1", len(payload.Devices))
	}
}

func TestGateway_MaxConnections(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{MaxConnections: 1})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn)

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/gateway/api/v1/connect?key=" + owner.Token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("second dial succeeded past the connection cap")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected HTTP 503 before upgrade, got %+v", resp)
	}
}

/*
	Two-strike liveness: a client that never answers probes is
	terminated on the second sweep pass. The client here overrides the
	default ping handler so no pong is ever sent while the read loop
	keeps servicing control frames.
*/
func TestGateway_LivenessTimeout(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{LivenessInterval: 100 * time.Millisecond})
	tg.registry.Start()

	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	conn.SetPingHandler(func(string) error { return nil }) // swallow probes
	readEnvelope(t, conn)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, readErr := conn.ReadMessage()
	if readErr == nil {
		t.Fatalf("connection survived the liveness sweep without pongs")
	}

	waitFor(t, "owner to go offline after liveness timeout", func() bool {
		stored, err := tg.ownerReg.Get(owner.ID)
		return err == nil && stored.Status == models.OwnerOffline
	})
}

func TestGateway_ShutdownDrainsSessions(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{})
	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn)

	tg.registry.Shutdown()

	// Shutdown returns only after every pump has unwound, so the
	// disconnect bookkeeping is already durable. No polling.
	if tg.registry.IsOnline(owner.ID) {
		t.Errorf("IsOnline() = true after shutdown")
	}
	stored, err := tg.ownerReg.Get(owner.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != models.OwnerOffline {
		t.Errorf("stored status got = %s, want offline", stored.Status)
	}

	// The client observes a close frame, not a dropped transport.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, readErr := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(readErr, &closeErr) {
		t.Errorf("expected a close error after shutdown, got %v", readErr)
	}
}

func TestGateway_LivenessPongKeepsSessionAlive(t *testing.T) {
	tg := newTestGateway(t, config.SessionsConfig{LivenessInterval: 100 * time.Millisecond})
	tg.registry.Start()

	owner, err := tg.ownerReg.Create("hub")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Default ping handler answers with pongs as long as we keep reading.
	conn := tg.dial(t, owner.Token)
	readEnvelope(t, conn)

	// Block in ReadMessage across several sweep intervals; the read loop
	// services the probes and auto-pongs. Hitting the deadline (rather
	// than a close frame) means the sweep left the session alone.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		t.Fatalf("responsive session was terminated by the sweep: %v", err)
	}
	if !tg.registry.IsOnline(owner.ID) {
		t.Fatalf("responsive session dropped from the registry")
	}
}
