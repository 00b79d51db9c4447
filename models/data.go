package models

import (
	"encoding/json"
	"time"
)

type OwnerStatus string

const (
	OwnerOnline  OwnerStatus = "online"
	OwnerOffline OwnerStatus = "offline"
)

// Owner is a registered edge controller identity. The Token is the
// one-time connection secret presented at websocket handshake time.
type Owner struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Token      string      `json:"token"`
	Status     OwnerStatus `json:"status"`
	LastSeenAt time.Time   `json:"last_seen_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

type FileState string

const (
	StateDraft    FileState = "draft"
	StateDeployed FileState = "deployed"
)

// FileSet maps artifact path to its content blob. Content is
// structured, tree shaped data; we keep it opaque as raw JSON.
type FileSet map[string]json.RawMessage

// ArtifactFile is one (owner, path, state) row. At most one row exists
// per triple; writes overwrite.
type ArtifactFile struct {
	Owner     string          `json:"owner"`
	Path      string          `json:"path"`
	State     FileState       `json:"state"`
	Content   json.RawMessage `json:"content"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type SnapshotState string

const (
	SnapshotDeployed SnapshotState = "deployed"
	SnapshotLive     SnapshotState = "live"
)

// VersionSnapshot is an immutable copy of a full file set taken at
// deploy time. Promotion to live stores a second row; the deployed row
// is never renamed or mutated.
type VersionSnapshot struct {
	Owner     string        `json:"owner"`
	Version   int           `json:"version"`
	State     SnapshotState `json:"state"`
	Files     FileSet       `json:"files,omitempty"`
	FileCount int           `json:"file_count"`
	Message   string        `json:"message"`
	Author    string        `json:"author"`
	CreatedAt time.Time     `json:"created_at"`
}

type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

// Terminal reports whether the status may never change again.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// TransferAttempt records one sync push and its outcome. Status only
// moves forward: pending -> in_progress -> completed | failed.
type TransferAttempt struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Version    int            `json:"version"`
	Status     TransferStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	FileCount  int            `json:"file_count"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// SyncStatus is derived from current store/archive state on every call,
// never cached.
type SyncStatus struct {
	Owner                string `json:"owner"`
	DraftFileCount       int    `json:"draft_file_count"`
	DeployedFileCount    int    `json:"deployed_file_count"`
	DeployedVersion      int    `json:"deployed_version"`
	LiveVersion          int    `json:"live_version"`
	HasUndeployedChanges bool   `json:"has_undeployed_changes"`
	NeedsSync            bool   `json:"needs_sync"`
}
