package syncer

import (
	"encoding/json"
	"errors"

	"github.com/LatticeWorks/tether/gateway"
	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
	"github.com/LatticeWorks/tether/transfers"
)

/*
	Asynchronous node -> cloud reports. Every handler follows the same
	rule: an unknown transfer id, or one belonging to a different
	owner, is logged and dropped. It must never crash the session or
	the registry.
*/

var _ gateway.EventSink = &Orchestrator{}

// verify confirms the transfer exists and belongs to the reporting
// owner. Reports are only trusted for the session they arrived on.
func (o *Orchestrator) verify(ownerID, syncID string) bool {
	attempt, err := o.transfers.Get(syncID)
	if err != nil {
		var notFound *transfers.ErrTransferNotFound
		if errors.As(err, &notFound) {
			o.logger.Warn("report references unknown transfer, dropping", "owner", ownerID, "sync_id", syncID)
		} else {
			o.logger.Error("failed to load transfer for report", "sync_id", syncID, "error", err)
		}
		return false
	}
	if attempt.Owner != ownerID {
		o.logger.Warn("report owner does not match transfer owner, dropping", "owner", ownerID, "sync_id", syncID)
		return false
	}
	return true
}

func (o *Orchestrator) SyncProgress(ownerID, syncID string) {
	if !o.verify(ownerID, syncID) {
		return
	}
	if err := o.transfers.MarkInProgress(syncID); err != nil {
		o.logger.Error("failed to mark transfer in progress", "sync_id", syncID, "error", err)
		return
	}
	o.logger.Debug("sync in progress", "owner", ownerID, "sync_id", syncID)
}

// SyncComplete records the outcome and promotes the reported version to
// live. Promotion is idempotent: a duplicate completion for an
// already-live version is a no-op.
func (o *Orchestrator) SyncComplete(ownerID string, report models.SyncCompletePayload) {
	if !o.verify(ownerID, report.SyncID) {
		return
	}
	if err := o.transfers.MarkCompleted(report.SyncID, report.DurationMS, report.FilesSynced); err != nil {
		o.logger.Error("failed to mark transfer completed", "sync_id", report.SyncID, "error", err)
		return
	}
	if err := o.kv.Update(func(txn tkv.Txn) error {
		return o.versions.PromoteLiveTxn(txn, ownerID, report.Version)
	}); err != nil {
		o.logger.Error("failed to promote version to live", "owner", ownerID, "version", report.Version, "error", err)
		return
	}
	o.logger.Info("sync completed", "owner", ownerID, "sync_id", report.SyncID, "version", report.Version, "duration_ms", report.DurationMS)
}

func (o *Orchestrator) SyncError(ownerID string, report models.SyncErrorPayload) {
	if !o.verify(ownerID, report.SyncID) {
		return
	}
	if err := o.transfers.MarkFailed(report.SyncID, report.ErrorMessage); err != nil {
		o.logger.Error("failed to mark transfer failed", "sync_id", report.SyncID, "error", err)
		return
	}
	o.logger.Warn("sync failed on controller", "owner", ownerID, "sync_id", report.SyncID, "error", report.ErrorMessage)
}

func (o *Orchestrator) DriverSyncComplete(ownerID, syncID string) {
	if !o.verify(ownerID, syncID) {
		return
	}
	if err := o.transfers.MarkCompleted(syncID, 0, 0); err != nil {
		o.logger.Error("failed to mark driver transfer completed", "sync_id", syncID, "error", err)
		return
	}
	o.logger.Info("driver sync completed", "owner", ownerID, "sync_id", syncID)
}

func (o *Orchestrator) DriverSyncError(ownerID string, report models.SyncErrorPayload) {
	if !o.verify(ownerID, report.SyncID) {
		return
	}
	if err := o.transfers.MarkFailed(report.SyncID, report.ErrorMessage); err != nil {
		o.logger.Error("failed to mark driver transfer failed", "sync_id", report.SyncID, "error", err)
		return
	}
	o.logger.Warn("driver sync failed on controller", "owner", ownerID, "sync_id", report.SyncID, "error", report.ErrorMessage)
}

// ExecutionResult carries no request id; it is correlated by owner
// only and recorded as-is.
func (o *Orchestrator) ExecutionResult(ownerID string, result models.ExecutionResultPayload) {
	if result.Success {
		o.logger.Info("scene execution succeeded", "owner", ownerID, "scene_id", result.SceneID)
		return
	}
	o.logger.Warn("scene execution failed", "owner", ownerID, "scene_id", result.SceneID, "message", result.Message)
}

func (o *Orchestrator) StatusUpdate(ownerID string, raw json.RawMessage) {
	o.logger.Debug("status update received", "owner", ownerID, "bytes", len(raw))
}
