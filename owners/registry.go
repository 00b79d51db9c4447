/*
Package owners persists controller identities: the connection token a
node presents at handshake, its liveness status, and its last-seen
timestamp. Owner records are created administratively and never deleted
here; cascade deletion is an external concern.
*/
package owners

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LatticeWorks/tether/models"
	"github.com/LatticeWorks/tether/tkv"
)

// ErrOwnerNotFound is returned when no owner matches an id or token.
type ErrOwnerNotFound struct {
	Ref string
}

func (e *ErrOwnerNotFound) Error() string {
	return fmt.Sprintf("owner not found: %s", e.Ref)
}

type Registry struct {
	logger *slog.Logger
	kv     tkv.TKV
}

func New(logger *slog.Logger, kv tkv.TKV) *Registry {
	return &Registry{
		logger: logger.WithGroup("owners"),
		kv:     kv,
	}
}

func ownerKey(id string) string {
	return "owner:" + id
}

func tokenKey(token string) string {
	return "ownertok:" + token
}

func (r *Registry) putTxn(txn tkv.Txn, owner models.Owner) error {
	raw, err := json.Marshal(owner)
	if err != nil {
		return &tkv.ErrInternal{Err: err}
	}
	return txn.Set(ownerKey(owner.ID), string(raw))
}

// Create registers a new controller identity with a fresh connection
// token.
func (r *Registry) Create(name string) (models.Owner, error) {
	owner := models.Owner{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     uuid.NewString(),
		Status:    models.OwnerOffline,
		CreatedAt: time.Now().UTC(),
	}
	err := r.kv.Update(func(txn tkv.Txn) error {
		if err := r.putTxn(txn, owner); err != nil {
			return err
		}
		return txn.Set(tokenKey(owner.Token), owner.ID)
	})
	if err != nil {
		return models.Owner{}, err
	}
	r.logger.Info("owner registered", "id", owner.ID, "name", owner.Name)
	return owner, nil
}

func (r *Registry) Get(id string) (models.Owner, error) {
	raw, err := r.kv.Get(ownerKey(id))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return models.Owner{}, &ErrOwnerNotFound{Ref: id}
		}
		return models.Owner{}, err
	}
	var owner models.Owner
	if err := json.Unmarshal([]byte(raw), &owner); err != nil {
		return models.Owner{}, &tkv.ErrInternal{Err: err}
	}
	return owner, nil
}

// GetByToken resolves the owner whose stored token equals the given
// token, via the token index row. The token -> id mapping only changes
// through ResetToken, so it is served from the read cache; the owner
// record itself is always read fresh.
func (r *Registry) GetByToken(token string) (models.Owner, error) {
	if token == "" {
		return models.Owner{}, &ErrOwnerNotFound{Ref: "(empty token)"}
	}
	key := tokenKey(token)
	id, err := r.kv.CacheGet(key)
	if err != nil {
		id, err = r.kv.Get(key)
		if err != nil {
			if tkv.IsErrKeyNotFound(err) {
				return models.Owner{}, &ErrOwnerNotFound{Ref: "(token)"}
			}
			return models.Owner{}, err
		}
		if err := r.kv.CacheSet(key, id, 0); err != nil {
			r.logger.Debug("token index cache set failed", "error", err)
		}
	}
	return r.Get(id)
}

func (r *Registry) List() ([]models.Owner, error) {
	entries, err := r.kv.IterateEntries("owner:")
	if err != nil {
		return nil, err
	}
	owners := make([]models.Owner, 0, len(entries))
	for _, entry := range entries {
		var owner models.Owner
		if err := json.Unmarshal([]byte(entry.Value), &owner); err != nil {
			return nil, &tkv.ErrInternal{Err: err}
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

func (r *Registry) mutate(id string, fn func(*models.Owner)) error {
	return r.kv.Update(func(txn tkv.Txn) error {
		raw, err := txn.Get(ownerKey(id))
		if err != nil {
			if tkv.IsErrKeyNotFound(err) {
				return &ErrOwnerNotFound{Ref: id}
			}
			return err
		}
		var owner models.Owner
		if err := json.Unmarshal([]byte(raw), &owner); err != nil {
			return &tkv.ErrInternal{Err: err}
		}
		fn(&owner)
		return r.putTxn(txn, owner)
	})
}

// SetStatus records the liveness status and, when going online, stamps
// last-seen.
func (r *Registry) SetStatus(id string, status models.OwnerStatus) error {
	return r.mutate(id, func(owner *models.Owner) {
		owner.Status = status
		if status == models.OwnerOnline {
			owner.LastSeenAt = time.Now().UTC()
		}
	})
}

// Touch stamps last-seen; called on every heartbeat and inbound
// application message.
func (r *Registry) Touch(id string) error {
	return r.mutate(id, func(owner *models.Owner) {
		owner.LastSeenAt = time.Now().UTC()
	})
}

// ResetToken issues a new connection token and retires the old index
// row in the same transaction. Any live session keeps running; the old
// token simply stops authenticating.
func (r *Registry) ResetToken(id string) (models.Owner, error) {
	var updated models.Owner
	var retired string
	err := r.kv.Update(func(txn tkv.Txn) error {
		raw, err := txn.Get(ownerKey(id))
		if err != nil {
			if tkv.IsErrKeyNotFound(err) {
				return &ErrOwnerNotFound{Ref: id}
			}
			return err
		}
		var owner models.Owner
		if err := json.Unmarshal([]byte(raw), &owner); err != nil {
			return &tkv.ErrInternal{Err: err}
		}
		retired = owner.Token
		if err := txn.Delete(tokenKey(owner.Token)); err != nil {
			return err
		}
		owner.Token = uuid.NewString()
		if err := txn.Set(tokenKey(owner.Token), owner.ID); err != nil {
			return err
		}
		if err := r.putTxn(txn, owner); err != nil {
			return err
		}
		updated = owner
		return nil
	})
	if err != nil {
		return models.Owner{}, err
	}
	// The retired token may still sit in the read cache; drop it so it
	// stops authenticating immediately, not at TTL expiry.
	if err := r.kv.CacheDelete(tokenKey(retired)); err != nil {
		r.logger.Debug("token index cache delete failed", "error", err)
	}
	r.logger.Info("owner token reset", "id", id)
	return updated, nil
}

// ResetStatuses forces every online owner offline in one write batch.
// Meant for boot, where no session can predate the gateway.
func (r *Registry) ResetStatuses() (int, error) {
	all, err := r.List()
	if err != nil {
		return 0, err
	}
	var entries []tkv.Entry
	for _, owner := range all {
		if owner.Status != models.OwnerOnline {
			continue
		}
		owner.Status = models.OwnerOffline
		raw, err := json.Marshal(owner)
		if err != nil {
			return 0, &tkv.ErrInternal{Err: err}
		}
		entries = append(entries, tkv.Entry{Key: ownerKey(owner.ID), Value: string(raw)})
	}
	if err := r.kv.BatchSet(entries); err != nil {
		return 0, err
	}
	if len(entries) > 0 {
		r.logger.Info("stale online statuses reset", "owners", len(entries))
	}
	return len(entries), nil
}
