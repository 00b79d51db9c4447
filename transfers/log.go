/*
Package transfers records one row per sync push and its outcome. Status
moves strictly forward (pending -> in_progress -> completed | failed);
terminal rows are never revisited, and reports referencing unknown ids
surface a typed not-found the caller logs and drops.
*/
package transfers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
)

// ErrTransferNotFound is returned when no attempt matches an id.
type ErrTransferNotFound struct {
	ID string
}

func (e *ErrTransferNotFound) Error() string {
	return fmt.Sprintf("transfer not found: %s", e.ID)
}

type Log struct {
	logger *slog.Logger
	kv     tkv.TKV
}

func New(logger *slog.Logger, kv tkv.TKV) *Log {
	return &Log{
		logger: logger.WithGroup("transfers"),
		kv:     kv,
	}
}

func transferKey(id string) string {
	return "transfer:" + id
}

// Index keys sort newest-first by embedding the inverted start time.
func indexKey(owner string, startedAt time.Time, id string) string {
	return fmt.Sprintf("transferidx:%s:%020d:%s", owner, math.MaxInt64-startedAt.UnixNano(), id)
}

func ownerPrefix(owner string) string {
	return fmt.Sprintf("transferidx:%s:", owner)
}

// Begin creates a pending attempt with a fresh transfer id.
func (l *Log) Begin(owner string, version int, fileCount int) (models.TransferAttempt, error) {
	attempt := models.TransferAttempt{
		ID:        uuid.NewString(),
		Owner:     owner,
		Version:   version,
		Status:    models.TransferPending,
		StartedAt: time.Now().UTC(),
		FileCount: fileCount,
	}
	raw, err := json.Marshal(attempt)
	if err != nil {
		return models.TransferAttempt{}, &tkv.ErrInternal{Err: err}
	}
	err = l.kv.Update(func(txn tkv.Txn) error {
		if err := txn.Set(transferKey(attempt.ID), string(raw)); err != nil {
			return err
		}
		return txn.Set(indexKey(owner, attempt.StartedAt, attempt.ID), attempt.ID)
	})
	if err != nil {
		return models.TransferAttempt{}, err
	}
	return attempt, nil
}

func (l *Log) Get(id string) (models.TransferAttempt, error) {
	raw, err := l.kv.Get(transferKey(id))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return models.TransferAttempt{}, &ErrTransferNotFound{ID: id}
		}
		return models.TransferAttempt{}, err
	}
	var attempt models.TransferAttempt
	if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
		return models.TransferAttempt{}, &tkv.ErrInternal{Err: err}
	}
	return attempt, nil
}

// advance applies fn to a non-terminal attempt inside one transaction.
// Terminal rows are left untouched with a warning; forward-only is an
// invariant, not a best effort.
func (l *Log) advance(id string, fn func(*models.TransferAttempt)) error {
	return l.kv.Update(func(txn tkv.Txn) error {
		raw, err := txn.Get(transferKey(id))
		if err != nil {
			if tkv.IsErrKeyNotFound(err) {
				return &ErrTransferNotFound{ID: id}
			}
			return err
		}
		var attempt models.TransferAttempt
		if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
			return &tkv.ErrInternal{Err: err}
		}
		if attempt.Status.Terminal() {
			l.logger.Warn("ignoring status update for terminal transfer", "id", id, "status", attempt.Status)
			return nil
		}
		fn(&attempt)
		updated, err := json.Marshal(attempt)
		if err != nil {
			return &tkv.ErrInternal{Err: err}
		}
		return txn.Set(transferKey(id), string(updated))
	})
}

func (l *Log) MarkInProgress(id string) error {
	return l.advance(id, func(attempt *models.TransferAttempt) {
		attempt.Status = models.TransferInProgress
	})
}

func (l *Log) MarkCompleted(id string, durationMS int64, filesSynced int) error {
	return l.advance(id, func(attempt *models.TransferAttempt) {
		now := time.Now().UTC()
		attempt.Status = models.TransferCompleted
		attempt.FinishedAt = &now
		attempt.DurationMS = durationMS
		if filesSynced > 0 {
			attempt.FileCount = filesSynced
		}
	})
}

func (l *Log) MarkFailed(id string, message string) error {
	return l.advance(id, func(attempt *models.TransferAttempt) {
		now := time.Now().UTC()
		attempt.Status = models.TransferFailed
		attempt.FinishedAt = &now
		attempt.Error = message
	})
}

// History lists attempts for an owner, newest first. limit <= 0 means
// all.
func (l *Log) History(owner string, limit int) ([]models.TransferAttempt, error) {
	ids, err := l.kv.IterateEntries(ownerPrefix(owner))
	if err != nil {
		return nil, err
	}
	attempts := make([]models.TransferAttempt, 0, len(ids))
	for _, entry := range ids {
		if limit > 0 && len(attempts) >= limit {
			break
		}
		attempt, err := l.Get(entry.Value)
		if err != nil {
			l.logger.Error("transfer index row references missing attempt", "id", entry.Value, "error", err)
			continue
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}
