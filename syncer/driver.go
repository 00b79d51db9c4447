package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/LatticeWorks/tether/artifacts"
	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
)

/*
	Driver authoring. The generation pipeline itself is an external
	collaborator: we send a prompt, receive a candidate code string,
	validate it and store it as a draft artifact under drivers/. The
	prompt design and any repair heuristics live on the other side of
	the DriverAuthor interface.
*/

// DriverAuthor is the opaque text-generation collaborator.
type DriverAuthor interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const maxDriverSize = 256 << 10 // 256KB of generated code is already suspicious

const driverPathPrefix = "drivers/"

type driverArtifact struct {
	DriverID string            `json:"driver_id"`
	Code     string            `json:"code"`
	Commands map[string]string `json:"commands,omitempty"`
}

func driverPath(driverID string) string {
	return driverPathPrefix + driverID
}

// GenerateDriver asks the collaborator for device-driver code,
// validates the result and stores it as a draft artifact. The code
// flows to the node later via SyncDriver or the normal deploy
// pipeline.
func (o *Orchestrator) GenerateDriver(ctx context.Context, ownerID, driverID, prompt string, commands map[string]string) error {
	if o.author == nil {
		return ErrNoDriverAuthor
	}
	code, err := o.author.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return ErrEmptyDriver
	}
	if len(code) > maxDriverSize {
		return ErrDriverTooLarge
	}

	content, err := json.Marshal(driverArtifact{
		DriverID: driverID,
		Code:     code,
		Commands: commands,
	})
	if err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	if err := o.files.Write(ownerID, driverPath(driverID), models.StateDraft, content, "driver-author"); err != nil {
		return err
	}
	o.logger.Info("driver generated and stored", "owner", ownerID, "driver_id", driverID, "code_bytes", len(code))
	return nil
}

// SyncDriver pushes stored driver code and its command mappings to the
// owner's live session, tracked through the same transfer log as gui
// syncs. Completion arrives as driver_sync_complete / driver_sync_error.
func (o *Orchestrator) SyncDriver(ownerID, driverID string) (models.TransferAttempt, error) {
	if !o.transport.IsOnline(ownerID) {
		return models.TransferAttempt{}, ErrControllerOffline
	}

	content, err := o.files.Read(ownerID, driverPath(driverID), models.StateDraft)
	if err != nil {
		var notFound *artifacts.ErrFileNotFound
		if !errors.As(err, &notFound) {
			return models.TransferAttempt{}, err
		}
		// Fall back to the deployed copy for drivers that already went
		// through the deploy pipeline.
		content, err = o.files.Read(ownerID, driverPath(driverID), models.StateDeployed)
		if err != nil {
			if errors.As(err, &notFound) {
				return models.TransferAttempt{}, ErrDriverNotFound
			}
			return models.TransferAttempt{}, err
		}
	}

	var driver driverArtifact
	if err := json.Unmarshal(content, &driver); err != nil {
		return models.TransferAttempt{}, &tkv.ErrInternal{Err: err}
	}

	attempt, err := o.transfers.Begin(ownerID, 0, 1)
	if err != nil {
		return models.TransferAttempt{}, err
	}

	env, err := models.NewEnvelope(models.MsgDriverSync, models.DriverSyncPayload{
		SyncID:   attempt.ID,
		DriverID: driver.DriverID,
		Code:     driver.Code,
		Commands: driver.Commands,
	})
	if err != nil {
		return models.TransferAttempt{}, &tkv.ErrInternal{Err: err}
	}

	if !o.transport.Send(ownerID, env) {
		if markErr := o.transfers.MarkFailed(attempt.ID, "controller went offline during dispatch"); markErr != nil {
			o.logger.Error("failed to fail driver transfer after lost session", "id", attempt.ID, "error", markErr)
		}
		return models.TransferAttempt{}, ErrControllerOffline
	}

	o.logger.Info("driver sync dispatched", "owner", ownerID, "driver_id", driverID, "sync_id", attempt.ID)
	return attempt, nil
}
