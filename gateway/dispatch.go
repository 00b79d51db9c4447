package gateway

import (
	"encoding/json"

	"github.com/LatticeWorks/tether/models"
)

/*
	Inbound dispatch is a closed switch over the envelope type tag: one
	case per node -> cloud message, unknown types logged and dropped.
	A failure inside one owner's handler never reaches another owner's
	session or the liveness sweep.
*/

func (g *Registry) dispatch(s *session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in message handler, session continues", "panic", r)
		}
	}()

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("dropping malformed envelope", "error", err)
		return
	}

	// Any application message counts as proof of life.
	s.confirmed.Store(true)

	switch env.Type {
	case models.MsgHeartbeat:
		if err := g.owners.Touch(s.ownerID); err != nil {
			s.logger.Error("failed to stamp last-seen on heartbeat", "error", err)
		}
		s.sendEnvelope(models.MsgHeartbeatAck, nil)

	case models.MsgRequestFullSync:
		if g.inventory == nil {
			s.sendEnvelope(models.MsgError, models.ErrorPayload{Message: "full sync unavailable"})
			return
		}
		payload, err := g.inventory.FullSync(s.ownerID)
		if err != nil {
			s.logger.Error("full sync provider failed", "error", err)
			s.sendEnvelope(models.MsgError, models.ErrorPayload{Message: "full sync failed"})
			return
		}
		s.sendEnvelope(models.MsgFullSync, payload)

	case models.MsgStatusUpdate:
		if err := g.owners.Touch(s.ownerID); err != nil {
			s.logger.Error("failed to stamp last-seen on status update", "error", err)
		}
		if g.sink != nil {
			g.sink.StatusUpdate(s.ownerID, env.Data)
		}

	case models.MsgExecutionResult:
		var result models.ExecutionResultPayload
		if err := json.Unmarshal(env.Data, &result); err != nil {
			s.logger.Warn("dropping malformed execution result", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.ExecutionResult(s.ownerID, result)
		}

	case models.MsgSyncProgress:
		var p models.SyncProgressPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("dropping malformed sync progress report", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.SyncProgress(s.ownerID, p.SyncID)
		}

	case models.MsgSyncComplete:
		var p models.SyncCompletePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("dropping malformed sync completion report", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.SyncComplete(s.ownerID, p)
		}

	case models.MsgSyncError:
		var p models.SyncErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("dropping malformed sync error report", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.SyncError(s.ownerID, p)
		}

	case models.MsgDriverSyncComplete:
		var p models.SyncProgressPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("dropping malformed driver sync completion", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.DriverSyncComplete(s.ownerID, p.SyncID)
		}

	case models.MsgDriverSyncError:
		var p models.SyncErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("dropping malformed driver sync error", "error", err)
			return
		}
		if g.sink != nil {
			g.sink.DriverSyncError(s.ownerID, p)
		}

	default:
		s.logger.Warn("unknown message type, dropping", "type", env.Type)
	}
}
