/*
Package archive stores immutable whole-file-set snapshots, one per
deploy, with strictly increasing per-owner version numbers. Promotion
of a deployed version to live writes a second row; nothing is ever
renamed or mutated after creation.
*/
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
)

// ErrVersionNotFound is returned when no snapshot exists for a version.
type ErrVersionNotFound struct {
	Owner   string
	Version int
}

func (e *ErrVersionNotFound) Error() string {
	return fmt.Sprintf("version %d not found for owner %s", e.Version, e.Owner)
}

type Archive struct {
	logger *slog.Logger
	kv     tkv.TKV
}

func New(logger *slog.Logger, kv tkv.TKV) *Archive {
	return &Archive{
		logger: logger.WithGroup("archive"),
		kv:     kv,
	}
}

/*
	Version numbers are zero padded into the key so badger's key order
	is version order; the latest version for a state is the last key
	under the prefix.
*/

func deployedKey(owner string, version int) string {
	return fmt.Sprintf("version:%s:%010d", owner, version)
}

func liveKey(owner string, version int) string {
	return fmt.Sprintf("versionlive:%s:%010d", owner, version)
}

func seqKey(owner string) string {
	return fmt.Sprintf("versionseq:%s", owner)
}

func stateKey(owner string, state models.SnapshotState, version int) string {
	if state == models.SnapshotLive {
		return liveKey(owner, version)
	}
	return deployedKey(owner, version)
}

func statePrefix(owner string, state models.SnapshotState) string {
	if state == models.SnapshotLive {
		return fmt.Sprintf("versionlive:%s:", owner)
	}
	return fmt.Sprintf("version:%s:", owner)
}

// NextVersionTxn allocates max(existing)+1 for the owner, starting at
// 1. It bumps a counter row inside the caller's transaction so two
// concurrent deploys can never be handed the same number.
func (a *Archive) NextVersionTxn(txn tkv.Txn, owner string) (int, error) {
	current := 0
	raw, err := txn.Get(seqKey(owner))
	if err != nil {
		if !tkv.IsErrKeyNotFound(err) {
			return 0, err
		}
	} else {
		current, err = strconv.Atoi(raw)
		if err != nil {
			return 0, &tkv.ErrInternal{Err: fmt.Errorf("corrupt version counter for owner %s: %w", owner, err)}
		}
	}
	next := current + 1
	if err := txn.Set(seqKey(owner), strconv.Itoa(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// SnapshotTxn stores an immutable copy of the file set.
func (a *Archive) SnapshotTxn(txn tkv.Txn, owner string, version int, state models.SnapshotState, files models.FileSet, message, author string) error {
	snap := models.VersionSnapshot{
		Owner:     owner,
		Version:   version,
		State:     state,
		Files:     files,
		FileCount: len(files),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return txn.Set(stateKey(owner, state, version), string(raw))
}

func (a *Archive) getSnapshot(get func(string) (string, error), owner string, version int) (models.VersionSnapshot, error) {
	raw, err := get(deployedKey(owner, version))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return models.VersionSnapshot{}, &ErrVersionNotFound{Owner: owner, Version: version}
		}
		return models.VersionSnapshot{}, err
	}
	var snap models.VersionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return models.VersionSnapshot{}, &tkv.ErrInternal{Err: err}
	}
	return snap, nil
}

// GetSnapshot returns the deployed-state snapshot for a version.
func (a *Archive) GetSnapshot(owner string, version int) (models.VersionSnapshot, error) {
	return a.getSnapshot(a.kv.Get, owner, version)
}

// GetSnapshotTxn is GetSnapshot inside a caller-owned transaction.
func (a *Archive) GetSnapshotTxn(txn tkv.Txn, owner string, version int) (models.VersionSnapshot, error) {
	return a.getSnapshot(txn.Get, owner, version)
}

// LatestVersion returns the highest version number recorded for a
// state, and false when no snapshot exists.
func (a *Archive) LatestVersion(owner string, state models.SnapshotState) (int, bool, error) {
	keys, err := a.kv.IterateKeys(statePrefix(owner, state), 0, 0)
	if err != nil {
		return 0, false, err
	}
	if len(keys) == 0 {
		return 0, false, nil
	}
	last := keys[len(keys)-1]
	version, err := strconv.Atoi(last[len(last)-10:])
	if err != nil {
		return 0, false, &tkv.ErrInternal{Err: fmt.Errorf("corrupt version key '%s': %w", last, err)}
	}
	return version, true, nil
}

// History lists deployed snapshots newest first, content stripped, a
// derived file count on each entry. limit <= 0 means all.
func (a *Archive) History(owner string, limit int) ([]models.VersionSnapshot, error) {
	entries, err := a.kv.IterateEntries(statePrefix(owner, models.SnapshotDeployed))
	if err != nil {
		return nil, err
	}
	history := make([]models.VersionSnapshot, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(history) >= limit {
			break
		}
		var snap models.VersionSnapshot
		if err := json.Unmarshal([]byte(entries[i].Value), &snap); err != nil {
			return nil, &tkv.ErrInternal{Err: err}
		}
		snap.Files = nil // list form carries the count only
		history = append(history, snap)
	}
	return history, nil
}

// PromoteLiveTxn copies the deployed snapshot of a version into a live
// row. A duplicate promotion for an already-live version is a no-op.
func (a *Archive) PromoteLiveTxn(txn tkv.Txn, owner string, version int) error {
	if _, err := txn.Get(liveKey(owner, version)); err == nil {
		a.logger.Debug("version already live, promotion is a no-op", "owner", owner, "version", version)
		return nil
	} else if !tkv.IsErrKeyNotFound(err) {
		return err
	}

	snap, err := a.GetSnapshotTxn(txn, owner, version)
	if err != nil {
		return err
	}
	return a.SnapshotTxn(txn, owner, version, models.SnapshotLive, snap.Files, snap.Message, snap.Author)
}
