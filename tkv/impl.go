package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

type data struct {
	store *badger.DB
	cache *ttlcache.Cache[string, string]
}

type tkv struct {
	logger          *slog.Logger
	appCtx          context.Context
	db              *data
	defaultCacheTTL time.Duration
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {

	valuesDir := filepath.Join(config.Directory, "values")

	if err := os.MkdirAll(valuesDir, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	badgerLogLevel := badger.INFO
	switch config.BadgerLogLevel {
	case slog.LevelDebug:
		badgerLogLevel = badger.DEBUG
	case slog.LevelInfo:
		badgerLogLevel = badger.INFO
	case slog.LevelWarn:
		badgerLogLevel = badger.WARNING
	case slog.LevelError:
		badgerLogLevel = badger.ERROR
	default:
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	dbOpts := badger.DefaultOptions(valuesDir).
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),

		// Fully ephemeral values: a read never extends the lifetime, so
		// cached reads can not go stale past the configured TTL.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	tkv := &tkv{
		logger: config.Logger.WithGroup("tkv"),
		appCtx: config.AppCtx,
		db: &data{
			store: db,
			cache: cache,
		},
		defaultCacheTTL: config.CacheTTL,
	}

	return tkv, nil
}

func (t *tkv) Close() error {
	var firstErr error

	if t.db.cache != nil {
		t.db.cache.Stop()
		t.logger.Info("ttl cache stopped")
	}

	if err := t.db.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}

	return firstErr
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.db.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	err := t.db.store.Update(func(txn *badger.Txn) error {
		err := txn.Set([]byte(key), []byte(value))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	return err
}

func (t *tkv) Delete(key string) error {
	err := t.db.store.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	return err
}

func (t *tkv) IterateKeys(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.db.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			item := it.Item()
			keys = append(keys, string(item.Key()))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) IterateEntries(prefix string) ([]Entry, error) {
	var entries []Entry
	err := t.db.store.View(func(txn *badger.Txn) error {
		got, err := iterateEntries(txn, prefix)
		if err != nil {
			return err
		}
		entries = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// -------------------------- TRANSACTIONS

// badgerTxn satisfies Txn over a live badger read-write transaction.
type badgerTxn struct {
	txn *badger.Txn
}

var _ Txn = &badgerTxn{}

func (b *badgerTxn) Get(key string) (string, error) {
	item, err := b.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", &ErrKeyNotFound{Key: key}
		}
		return "", &ErrInternal{Err: err}
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", &ErrInternal{Err: err}
	}
	return string(value), nil
}

func (b *badgerTxn) Set(key string, value string) error {
	if err := b.txn.Set([]byte(key), []byte(value)); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (b *badgerTxn) Delete(key string) error {
	if err := b.txn.Delete([]byte(key)); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (b *badgerTxn) IterateEntries(prefix string) ([]Entry, error) {
	return iterateEntries(b.txn, prefix)
}

func iterateEntries(txn *badger.Txn, prefix string) ([]Entry, error) {
	var entries []Entry
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefixBytes := []byte(prefix)
	for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, &ErrInternal{Err: err}
		}
		entries = append(entries, Entry{
			Key:   string(item.Key()),
			Value: string(value),
		})
	}
	return entries, nil
}

const maxTxnAttempts = 10

// Update runs fn in one read-write transaction. Badger detects
// write-write conflicts at commit time, so the closure is re-run on
// conflict; fn must therefore be safe to execute more than once.
func (t *tkv) Update(fn func(txn Txn) error) error {
	for attempt := 1; ; attempt++ {
		err := t.db.store.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxTxnAttempts {
			return &ErrConflict{Attempts: attempt}
		}
		t.logger.Debug("transaction conflict, retrying", "attempt", attempt)
	}
}

// -------------------------- CACHE

func (t *tkv) CacheGet(key string) (string, error) {
	item := t.db.cache.Get(key)
	if item == nil {
		return "", &ErrKeyNotFound{Key: key}
	}
	if item.IsExpired() {
		t.db.cache.Delete(key)
		return "", &ErrKeyNotFound{Key: key}
	}
	return item.Value(), nil
}

func (t *tkv) CacheSet(key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultCacheTTL
	}
	t.db.cache.Set(key, value, ttl)
	return nil
}

func (t *tkv) CacheDelete(key string) error {
	t.db.cache.Delete(key)
	return nil
}

// -------------------------- BATCH

func (t *tkv) BatchSet(entries []Entry) error {
	if len(entries) == 0 {
		return nil // Nothing to do
	}

	wb := t.db.store.NewWriteBatch()
	defer wb.Cancel() // Cancel if not committed

	for _, entry := range entries {
		if entry.Key == "" {
			t.logger.Warn("BatchSet encountered an entry with an empty key, skipping.")
			continue
		}
		if err := wb.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add set operation for key '%s' to batch: %w", entry.Key, err)}
		}
	}

	if err := wb.Flush(); err != nil { // Flush commits the batch
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch set: %w", err)}
	}
	return nil
}
