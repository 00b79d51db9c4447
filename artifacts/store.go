/*
Package artifacts is the (owner, path, state) configuration file store.
One row exists per triple; writes overwrite. Multi-key replacement is
exposed as transaction-scoped helpers so the orchestrator can compose
Deploy/Discard/Rollback as single all-or-nothing units.
*/
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
)

const keyPrefix = "artifact"

// ErrFileNotFound is returned when no row exists for the triple.
type ErrFileNotFound struct {
	Owner string
	Path  string
	State models.FileState
}

func (e *ErrFileNotFound) Error() string {
	return fmt.Sprintf("file not found: %s/%s (%s)", e.Owner, e.Path, e.State)
}

// ErrInvalidPath is returned when a path fails the traversal guard.
type ErrInvalidPath struct {
	Path   string
	Reason string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid path '%s': %s", e.Path, e.Reason)
}

type Store struct {
	logger *slog.Logger
	kv     tkv.TKV
}

func New(logger *slog.Logger, kv tkv.TKV) *Store {
	return &Store{
		logger: logger.WithGroup("artifacts"),
		kv:     kv,
	}
}

func fileKey(owner string, state models.FileState, path string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, owner, state, path)
}

func statePrefix(owner string, state models.FileState) string {
	return fmt.Sprintf("%s:%s:%s:", keyPrefix, owner, state)
}

// ValidatePath rejects parent-directory segments and absolute-path
// prefixes so a node can never be handed a file that escapes its
// configuration root.
func ValidatePath(path string) error {
	if path == "" {
		return &ErrInvalidPath{Path: path, Reason: "empty"}
	}
	if strings.HasPrefix(path, "/") {
		return &ErrInvalidPath{Path: path, Reason: "absolute path"}
	}
	if strings.ContainsRune(path, '\\') {
		return &ErrInvalidPath{Path: path, Reason: "backslash separator"}
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return &ErrInvalidPath{Path: path, Reason: "parent directory segment"}
		}
	}
	return nil
}

func (s *Store) Write(owner, path string, state models.FileState, content json.RawMessage, author string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	file := models.ArtifactFile{
		Owner:     owner,
		Path:      path,
		State:     state,
		Content:   content,
		UpdatedBy: author,
		UpdatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(file)
	if err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return s.kv.Set(fileKey(owner, state, path), string(raw))
}

func (s *Store) Read(owner, path string, state models.FileState) (json.RawMessage, error) {
	raw, err := s.kv.Get(fileKey(owner, state, path))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return nil, &ErrFileNotFound{Owner: owner, Path: path, State: state}
		}
		return nil, err
	}
	var file models.ArtifactFile
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		return nil, &tkv.ErrInternal{Err: err}
	}
	return file.Content, nil
}

// ReadAll returns the full file set for a state. Badger iterates in
// key order, so the map is built in deterministic path order. An empty
// map (never nil) is returned when no rows exist.
func (s *Store) ReadAll(owner string, state models.FileState) (models.FileSet, error) {
	entries, err := s.kv.IterateEntries(statePrefix(owner, state))
	if err != nil {
		return nil, err
	}
	return entriesToSet(entries)
}

// ReadAllTxn is ReadAll inside a caller-owned transaction.
func (s *Store) ReadAllTxn(txn tkv.Txn, owner string, state models.FileState) (models.FileSet, error) {
	entries, err := txn.IterateEntries(statePrefix(owner, state))
	if err != nil {
		return nil, err
	}
	return entriesToSet(entries)
}

func entriesToSet(entries []tkv.Entry) (models.FileSet, error) {
	files := make(models.FileSet, len(entries))
	for _, entry := range entries {
		var file models.ArtifactFile
		if err := json.Unmarshal([]byte(entry.Value), &file); err != nil {
			return nil, &tkv.ErrInternal{Err: err}
		}
		files[file.Path] = file.Content
	}
	return files, nil
}

func (s *Store) Count(owner string, state models.FileState) (int, error) {
	keys, err := s.kv.IterateKeys(statePrefix(owner, state), 0, 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Delete removes one row, reporting whether it existed.
func (s *Store) Delete(owner, path string, state models.FileState) (bool, error) {
	existed := false
	key := fileKey(owner, state, path)
	err := s.kv.Update(func(txn tkv.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if tkv.IsErrKeyNotFound(err) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// DeleteAllTxn removes every row for a state inside a caller-owned
// transaction.
func (s *Store) DeleteAllTxn(txn tkv.Txn, owner string, state models.FileState) error {
	entries, err := txn.IterateEntries(statePrefix(owner, state))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := txn.Delete(entry.Key); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAllTxn swaps the whole file set for a state: existing rows go,
// the given set comes in, all within the caller's transaction.
func (s *Store) ReplaceAllTxn(txn tkv.Txn, owner string, state models.FileState, files models.FileSet, author string) error {
	if err := s.DeleteAllTxn(txn, owner, state); err != nil {
		return err
	}
	now := time.Now().UTC()
	for path, content := range files {
		if err := ValidatePath(path); err != nil {
			return err
		}
		file := models.ArtifactFile{
			Owner:     owner,
			Path:      path,
			State:     state,
			Content:   content,
			UpdatedBy: author,
			UpdatedAt: now,
		}
		raw, err := json.Marshal(file)
		if err != nil {
			return &tkv.ErrInternal{Err: err}
		}
		if err := txn.Set(fileKey(owner, state, path), string(raw)); err != nil {
			return err
		}
	}
	return nil
}
