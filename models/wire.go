package models

import (
	"encoding/json"
	"time"
)

/*
	Application message envelope, both directions. The type tag drives a
	closed dispatch switch on each side; unknown types are logged and
	dropped, never fatal to the session.
*/

// Cloud -> node message types.
const (
	MsgConnected    = "connected"
	MsgConfigUpdate = "config_update"
	MsgExecuteScene = "execute_scene"
	MsgGUISync      = "gui_sync"
	MsgHeartbeatAck = "heartbeat_ack"
	MsgFullSync     = "full_sync"
	MsgDriverSync   = "driver_sync"
	MsgError        = "error"
)

// Node -> cloud message types.
const (
	MsgHeartbeat          = "heartbeat"
	MsgRequestFullSync    = "request_full_sync"
	MsgStatusUpdate       = "status_update"
	MsgExecutionResult    = "execution_result"
	MsgSyncProgress       = "sync_progress"
	MsgSyncComplete       = "sync_complete"
	MsgSyncError          = "sync_error"
	MsgDriverSyncComplete = "driver_sync_complete"
	MsgDriverSyncError    = "driver_sync_error"
)

type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope stamps the current time and marshals the payload.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

type ConnectedPayload struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

type ConfigUpdatePayload struct {
	ConfigType string          `json:"config_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ExecuteScenePayload struct {
	SceneID string `json:"scene_id"`
}

type GUISyncPayload struct {
	SyncID  string  `json:"sync_id"`
	Version int     `json:"version"`
	Files   FileSet `json:"files"`
}

type FullSyncPayload struct {
	Devices []json.RawMessage `json:"devices"`
	Scenes  []json.RawMessage `json:"scenes"`
}

type DriverSyncPayload struct {
	SyncID   string            `json:"sync_id"`
	DriverID string            `json:"driver_id"`
	Code     string            `json:"code"`
	Commands map[string]string `json:"commands,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type SyncProgressPayload struct {
	SyncID string `json:"sync_id"`
}

type SyncCompletePayload struct {
	SyncID      string `json:"sync_id"`
	Version     int    `json:"version"`
	DurationMS  int64  `json:"duration_ms"`
	FilesSynced int    `json:"files_synced"`
}

type SyncErrorPayload struct {
	SyncID       string `json:"sync_id"`
	ErrorMessage string `json:"error_message"`
}

// ExecutionResult is correlated by owner only; the protocol carries no
// request id tying it to a specific execute_scene push.
type ExecutionResultPayload struct {
	SceneID string `json:"scene_id,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
