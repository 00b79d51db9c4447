/*
Package syncer drives the configuration lifecycle per owner:

	DRAFT (mutable) -> DEPLOYED (immutable snapshot, pending push) -> LIVE

Deploy, Discard and Rollback are storage-only and each run inside one
store transaction, so a mid-sequence failure leaves prior state intact.
Sync is the only operation that touches the network: it pushes the
current deployed set through a live session and records the attempt.
*/
package syncer

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/LatticeWorks/tether/archive"
	"github.com/LatticeWorks/tether/artifacts"
	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/owners"
	"github.com/LatticeWorks/tether/tkv"
	"github.com/LatticeWorks/tether/transfers"
)

// Transport is the slice of the session registry the orchestrator
// needs: liveness and best-effort targeted delivery.
type Transport interface {
	IsOnline(ownerID string) bool
	Send(ownerID string, env models.Envelope) bool
}

type Orchestrator struct {
	logger    *slog.Logger
	kv        tkv.TKV
	files     *artifacts.Store
	versions  *archive.Archive
	owners    *owners.Registry
	transfers *transfers.Log
	transport Transport

	strictCompare bool
	author        DriverAuthor
}

func New(
	logger *slog.Logger,
	kv tkv.TKV,
	files *artifacts.Store,
	versions *archive.Archive,
	ownerRegistry *owners.Registry,
	transferLog *transfers.Log,
	transport Transport,
	cfg config.SyncConfig,
) *Orchestrator {
	return &Orchestrator{
		logger:        logger.WithGroup("syncer"),
		kv:            kv,
		files:         files,
		versions:      versions,
		owners:        ownerRegistry,
		transfers:     transferLog,
		transport:     transport,
		strictCompare: cfg.StrictCompare,
	}
}

// SetDriverAuthor wires the text-generation collaborator used by
// driver authoring. Optional; driver generation fails cleanly without
// it.
func (o *Orchestrator) SetDriverAuthor(author DriverAuthor) {
	o.author = author
}

// Deploy copies every draft file into the deployed state, allocates the
// next version number and snapshots the set, all in one transaction.
// It never touches the network.
func (o *Orchestrator) Deploy(ownerID, message, author string) (models.VersionSnapshot, error) {
	var snap models.VersionSnapshot
	err := o.kv.Update(func(txn tkv.Txn) error {
		draft, err := o.files.ReadAllTxn(txn, ownerID, models.StateDraft)
		if err != nil {
			return err
		}
		if len(draft) == 0 {
			return ErrNoDraftFiles
		}
		if err := o.files.ReplaceAllTxn(txn, ownerID, models.StateDeployed, draft, author); err != nil {
			return err
		}
		version, err := o.versions.NextVersionTxn(txn, ownerID)
		if err != nil {
			return err
		}
		if err := o.versions.SnapshotTxn(txn, ownerID, version, models.SnapshotDeployed, draft, message, author); err != nil {
			return err
		}
		snap = models.VersionSnapshot{
			Owner:     ownerID,
			Version:   version,
			State:     models.SnapshotDeployed,
			FileCount: len(draft),
			Message:   message,
			Author:    author,
		}
		return nil
	})
	if err != nil {
		return models.VersionSnapshot{}, err
	}
	o.logger.Info("deployed", "owner", ownerID, "version", snap.Version, "files", snap.FileCount)
	return snap, nil
}

// Discard drops all draft files and copies the current deployed set
// back into draft, reverting the editor to the last deploy. A no-op
// when nothing is deployed beyond clearing the draft set.
func (o *Orchestrator) Discard(ownerID string) (int, error) {
	restored := 0
	err := o.kv.Update(func(txn tkv.Txn) error {
		deployed, err := o.files.ReadAllTxn(txn, ownerID, models.StateDeployed)
		if err != nil {
			return err
		}
		if err := o.files.DeleteAllTxn(txn, ownerID, models.StateDraft); err != nil {
			return err
		}
		if err := o.files.ReplaceAllTxn(txn, ownerID, models.StateDraft, deployed, "discard"); err != nil {
			return err
		}
		restored = len(deployed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	o.logger.Info("draft discarded", "owner", ownerID, "restored_files", restored)
	return restored, nil
}

// Rollback replaces both the deployed and draft sets wholesale with
// the files of snapshot v, so the editor reflects the rollback. No new
// version number is allocated; a subsequent Deploy does that.
func (o *Orchestrator) Rollback(ownerID string, version int) error {
	err := o.kv.Update(func(txn tkv.Txn) error {
		snap, err := o.versions.GetSnapshotTxn(txn, ownerID, version)
		if err != nil {
			return err
		}
		if err := o.files.ReplaceAllTxn(txn, ownerID, models.StateDeployed, snap.Files, snap.Author); err != nil {
			return err
		}
		return o.files.ReplaceAllTxn(txn, ownerID, models.StateDraft, snap.Files, snap.Author)
	})
	if err != nil {
		return err
	}
	o.logger.Info("rolled back", "owner", ownerID, "version", version)
	return nil
}

// Sync pushes the current deployed set to the owner's live session
// under a fresh transfer id. The offline check runs before any record
// is created: an offline target leaves no dangling pending attempt.
func (o *Orchestrator) Sync(ownerID string) (models.TransferAttempt, error) {
	if !o.transport.IsOnline(ownerID) {
		return models.TransferAttempt{}, ErrControllerOffline
	}

	deployed, err := o.files.ReadAll(ownerID, models.StateDeployed)
	if err != nil {
		return models.TransferAttempt{}, err
	}
	if len(deployed) == 0 {
		return models.TransferAttempt{}, ErrNoDeployedFiles
	}
	version, ok, err := o.versions.LatestVersion(ownerID, models.SnapshotDeployed)
	if err != nil {
		return models.TransferAttempt{}, err
	}
	if !ok {
		return models.TransferAttempt{}, ErrNoDeployedFiles
	}

	attempt, err := o.transfers.Begin(ownerID, version, len(deployed))
	if err != nil {
		return models.TransferAttempt{}, err
	}

	env, err := models.NewEnvelope(models.MsgGUISync, models.GUISyncPayload{
		SyncID:  attempt.ID,
		Version: version,
		Files:   deployed,
	})
	if err != nil {
		return models.TransferAttempt{}, &tkv.ErrInternal{Err: err}
	}

	if !o.transport.Send(ownerID, env) {
		if markErr := o.transfers.MarkFailed(attempt.ID, "controller went offline during dispatch"); markErr != nil {
			o.logger.Error("failed to fail transfer after lost session", "id", attempt.ID, "error", markErr)
		}
		return models.TransferAttempt{}, ErrControllerOffline
	}

	o.logger.Info("sync dispatched", "owner", ownerID, "sync_id", attempt.ID, "version", version, "files", len(deployed))
	return attempt, nil
}

// Status derives the observable sync state from current store and
// archive contents on every call; nothing here is cached.
func (o *Orchestrator) Status(ownerID string) (models.SyncStatus, error) {
	draft, err := o.files.ReadAll(ownerID, models.StateDraft)
	if err != nil {
		return models.SyncStatus{}, err
	}
	deployed, err := o.files.ReadAll(ownerID, models.StateDeployed)
	if err != nil {
		return models.SyncStatus{}, err
	}
	deployedVersion, _, err := o.versions.LatestVersion(ownerID, models.SnapshotDeployed)
	if err != nil {
		return models.SyncStatus{}, err
	}
	liveVersion, _, err := o.versions.LatestVersion(ownerID, models.SnapshotLive)
	if err != nil {
		return models.SyncStatus{}, err
	}

	// The stock heuristic compares counts only; two different sets of
	// equal cardinality read as "no changes". StrictCompare trades
	// compatibility for a content comparison.
	changed := len(draft) != len(deployed)
	if o.strictCompare {
		changed = !fileSetsEqual(draft, deployed)
	}

	return models.SyncStatus{
		Owner:                ownerID,
		DraftFileCount:       len(draft),
		DeployedFileCount:    len(deployed),
		DeployedVersion:      deployedVersion,
		LiveVersion:          liveVersion,
		HasUndeployedChanges: changed,
		NeedsSync:            deployedVersion > liveVersion,
	}, nil
}

func fileSetsEqual(a, b models.FileSet) bool {
	if len(a) != len(b) {
		return false
	}
	for path, content := range a {
		other, ok := b[path]
		if !ok || !bytes.Equal(content, other) {
			return false
		}
	}
	return true
}

// ExecuteScene dispatches a scene command. Success means the session
// accepted the write; the node's execution result arrives later as an
// independent report correlated by owner only.
func (o *Orchestrator) ExecuteScene(ownerID, sceneID string) error {
	env, err := models.NewEnvelope(models.MsgExecuteScene, models.ExecuteScenePayload{SceneID: sceneID})
	if err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	if !o.transport.Send(ownerID, env) {
		return ErrControllerOffline
	}
	o.logger.Info("scene dispatched", "owner", ownerID, "scene_id", sceneID)
	return nil
}

// NotifyConfigUpdate pushes a generic config-changed notice.
// Fire-and-forget: the return value reports acceptance by the session,
// nothing more.
func (o *Orchestrator) NotifyConfigUpdate(ownerID, configType string, payload json.RawMessage) bool {
	env, err := models.NewEnvelope(models.MsgConfigUpdate, models.ConfigUpdatePayload{
		ConfigType: configType,
		Payload:    payload,
	})
	if err != nil {
		o.logger.Error("failed to build config update envelope", "owner", ownerID, "error", err)
		return false
	}
	return o.transport.Send(ownerID, env)
}
