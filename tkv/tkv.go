package tkv

import (
	"context"
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	AppCtx         context.Context
	CacheTTL       time.Duration
}

type Entry struct {
	Key   string
	Value string
}

// Txn is a scoped read-write transaction. All mutations made through a
// Txn commit together or not at all; any error returned from the
// function handed to TKV.Update aborts the whole transaction.
type Txn interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error
	IterateEntries(prefix string) ([]Entry, error)
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	IterateKeys(prefix string, offset int, limit int) ([]string, error)
	IterateEntries(prefix string) ([]Entry, error)
	Set(key string, value string) error
	Delete(key string) error
}

type TKVCacheHandler interface {
	CacheGet(key string) (string, error)
	CacheSet(key string, value string, ttl time.Duration) error
	CacheDelete(key string) error
}

type TKVBatchHandler interface {
	BatchSet(entries []Entry) error
}

type TKVTxnHandler interface {
	// Update runs fn inside one read-write transaction.
	Update(fn func(txn Txn) error) error
}

type TKV interface {
	TKVDataHandler
	TKVCacheHandler
	TKVBatchHandler
	TKVTxnHandler

	Close() error
}
