package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

type testTKV struct {
	tkv TKV
	dir string
}

func (t *testTKV) Cleanup() error {
	t.tkv.Close()
	return os.RemoveAll(t.dir)
}

func createTestTKV(ctx context.Context) (*testTKV, error) {
	dir, err := os.MkdirTemp(os.TempDir(), "tkv_test_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir for test: %w", err)
	}

	tkv, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
		Directory: dir,
		AppCtx:    ctx,
	})
	if err != nil {
		return nil, err
	}
	return &testTKV{
		tkv: tkv,
		dir: dir,
	}, nil
}

// -------------------------- TESTS

func TestTKV_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("Set and Get basic value", func(t *testing.T) {
		key := "testKey1"
		value := "testValue1"
		if err := tkvTest.tkv.Set(key, value); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}

		retrievedVal, err := tkvTest.tkv.Get(key)
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if retrievedVal != value {
			t.Errorf("Get() got = %v, want %v", retrievedVal, value)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		key := "nonExistentKey"
		_, err := tkvTest.tkv.Get(key)
		if err == nil {
			t.Errorf("Get() expected error for non-existent key, got nil")
		}
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Errorf("Get() expected ErrKeyNotFound, got %T", err)
		}
		if keyNotFound.Key != key {
			t.Errorf("ErrKeyNotFound.Key got = %s, want %s", keyNotFound.Key, key)
		}
	})

	t.Run("Delete existing key", func(t *testing.T) {
		key := "toBeDeletedKey"
		if err := tkvTest.tkv.Set(key, "toBeDeletedValue"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}

		if err := tkvTest.tkv.Delete(key); err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}

		_, err := tkvTest.tkv.Get(key)
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		if err := tkvTest.tkv.Delete("nonExistentKeyForDelete"); err != nil {
			t.Errorf("Delete() of non-existent key error = %v, wantErr nil", err)
		}
	})
}

func TestTKV_Iterate(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	keys := []string{"prefix_key1", "prefix_key2", "prefix_key3", "other_key1"}
	values := []string{"value1", "value2", "value3", "valueOther1"}
	for i, key := range keys {
		if err := tkvTest.tkv.Set(key, values[i]); err != nil {
			t.Fatalf("Setup: Set() error for key %s: %v", key, err)
		}
	}

	t.Run("IterateKeys with prefix", func(t *testing.T) {
		retrieved, err := tkvTest.tkv.IterateKeys("prefix_", 0, 0)
		if err != nil {
			t.Errorf("IterateKeys() error = %v, wantErr nil", err)
		}
		expected := []string{"prefix_key1", "prefix_key2", "prefix_key3"}
		sort.Strings(retrieved)
		if !reflect.DeepEqual(retrieved, expected) {
			t.Errorf("IterateKeys() got = %v, want %v", retrieved, expected)
		}
	})

	t.Run("IterateKeys with offset and limit", func(t *testing.T) {
		retrieved, err := tkvTest.tkv.IterateKeys("prefix_", 1, 1)
		if err != nil {
			t.Errorf("IterateKeys() error = %v, wantErr nil", err)
		}
		if !reflect.DeepEqual(retrieved, []string{"prefix_key2"}) {
			t.Errorf("IterateKeys() got = %v, want [prefix_key2]", retrieved)
		}
	})

	t.Run("IterateEntries returns key and value pairs", func(t *testing.T) {
		entries, err := tkvTest.tkv.IterateEntries("prefix_")
		if err != nil {
			t.Errorf("IterateEntries() error = %v, wantErr nil", err)
		}
		if len(entries) != 3 {
			t.Fatalf("IterateEntries() got %d entries, want 3", len(entries))
		}
		byKey := make(map[string]string)
		for _, e := range entries {
			byKey[e.Key] = e.Value
		}
		if byKey["prefix_key2"] != "value2" {
			t.Errorf("IterateEntries() value for prefix_key2 got = %s, want value2", byKey["prefix_key2"])
		}
	})

	t.Run("IterateEntries with non-matching prefix", func(t *testing.T) {
		entries, err := tkvTest.tkv.IterateEntries("non_matching_prefix_")
		if err != nil {
			t.Errorf("IterateEntries() error = %v, wantErr nil", err)
		}
		if len(entries) != 0 {
			t.Errorf("IterateEntries() got = %v, want empty", entries)
		}
	})
}

func TestTKV_Update(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("multi-key write commits together", func(t *testing.T) {
		err := tkvTest.tkv.Update(func(txn Txn) error {
			if err := txn.Set("txn_a", "1"); err != nil {
				return err
			}
			return txn.Set("txn_b", "2")
		})
		if err != nil {
			t.Fatalf("Update() error = %v, wantErr nil", err)
		}
		for _, key := range []string{"txn_a", "txn_b"} {
			if _, err := tkvTest.tkv.Get(key); err != nil {
				t.Errorf("Get(%s) after Update error = %v, wantErr nil", key, err)
			}
		}
	})

	t.Run("returned error aborts all writes", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := tkvTest.tkv.Update(func(txn Txn) error {
			if err := txn.Set("txn_aborted", "should not persist"); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("Update() error = %v, want the abort sentinel", err)
		}
		_, err = tkvTest.tkv.Get("txn_aborted")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after aborted Update expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("reads inside the transaction see prior writes", func(t *testing.T) {
		if err := tkvTest.tkv.Set("txn_read", "before"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		err := tkvTest.tkv.Update(func(txn Txn) error {
			val, err := txn.Get("txn_read")
			if err != nil {
				return err
			}
			return txn.Set("txn_read", val+"-after")
		})
		if err != nil {
			t.Fatalf("Update() error = %v, wantErr nil", err)
		}
		val, err := tkvTest.tkv.Get("txn_read")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if val != "before-after" {
			t.Errorf("Get() got = %s, want before-after", val)
		}
	})

	t.Run("Get of missing key inside transaction", func(t *testing.T) {
		err := tkvTest.tkv.Update(func(txn Txn) error {
			_, err := txn.Get("txn_missing")
			return err
		})
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Update() expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("IterateEntries inside transaction", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := tkvTest.tkv.Set(fmt.Sprintf("scan_%d", i), "x"); err != nil {
				t.Fatalf("Setup: Set() error = %v", err)
			}
		}
		var count int
		err := tkvTest.tkv.Update(func(txn Txn) error {
			entries, err := txn.IterateEntries("scan_")
			if err != nil {
				return err
			}
			count = len(entries)
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if count != 3 {
			t.Errorf("IterateEntries() inside txn got %d entries, want 3", count)
		}
	})
}

func TestTKV_UpdateConflictRetry(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	if err := tkvTest.tkv.Set("counter", "0"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Read-modify-write from many goroutines: badger aborts the losing
	// commits with a conflict, Update re-runs them, and every increment
	// must land exactly once.
	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tkvTest.tkv.Update(func(txn Txn) error {
				current, err := txn.Get("counter")
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(current)
				if err != nil {
					return err
				}
				return txn.Set("counter", strconv.Itoa(n+1))
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Update() #%d error = %v, wantErr nil", i, err)
		}
	}
	got, err := tkvTest.tkv.Get("counter")
	if err != nil {
		t.Fatalf("Get(counter) error = %v", err)
	}
	if got != strconv.Itoa(workers) {
		t.Errorf("counter got = %s, want %d", got, workers)
	}
}

func TestTKV_Cache(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("Set and Get cache value", func(t *testing.T) {
		if err := tkvTest.tkv.CacheSet("cacheKey1", "cacheValue1", 5*time.Minute); err != nil {
			t.Errorf("CacheSet() error = %v, wantErr nil", err)
		}
		retrievedVal, err := tkvTest.tkv.CacheGet("cacheKey1")
		if err != nil {
			t.Errorf("CacheGet() error = %v, wantErr nil", err)
		}
		if retrievedVal != "cacheValue1" {
			t.Errorf("CacheGet() got = %v, want cacheValue1", retrievedVal)
		}
	})

	t.Run("Cache value expiration", func(t *testing.T) {
		ttl := 100 * time.Millisecond
		if err := tkvTest.tkv.CacheSet("cacheKeyTTL", "v", ttl); err != nil {
			t.Fatalf("CacheSet() error = %v", err)
		}
		time.Sleep(ttl + 50*time.Millisecond)
		_, err := tkvTest.tkv.CacheGet("cacheKeyTTL")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("CacheGet() expected ErrKeyNotFound for expired key, got %v", err)
		}
	})

	t.Run("Delete cache key", func(t *testing.T) {
		if err := tkvTest.tkv.CacheSet("cacheKeyDelete", "v", 5*time.Minute); err != nil {
			t.Fatalf("CacheSet() error = %v", err)
		}
		if err := tkvTest.tkv.CacheDelete("cacheKeyDelete"); err != nil {
			t.Errorf("CacheDelete() error = %v, wantErr nil", err)
		}
		_, err := tkvTest.tkv.CacheGet("cacheKeyDelete")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("CacheGet() after CacheDelete expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestTKV_BatchOperations(t *testing.T) {
	ctx := context.Background()
	tkvTest, err := createTestTKV(ctx)
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	defer tkvTest.Cleanup()

	t.Run("BatchSet basic functionality", func(t *testing.T) {
		entries := []Entry{
			{Key: "batchKey1", Value: "batchValue1"},
			{Key: "batchKey2", Value: "batchValue2"},
		}
		if err := tkvTest.tkv.BatchSet(entries); err != nil {
			t.Errorf("BatchSet() error = %v, wantErr nil", err)
		}
		for _, entry := range entries {
			retrievedVal, err := tkvTest.tkv.Get(entry.Key)
			if err != nil {
				t.Errorf("Get() after BatchSet error for key %s: %v", entry.Key, err)
			}
			if retrievedVal != entry.Value {
				t.Errorf("Get() after BatchSet got = %v, want %v for key %s", retrievedVal, entry.Value, entry.Key)
			}
		}
	})

	t.Run("BatchSet skips empty keys", func(t *testing.T) {
		if err := tkvTest.tkv.BatchSet([]Entry{
			{Key: "", Value: "dropped"},
			{Key: "batchKey3", Value: "batchValue3"},
		}); err != nil {
			t.Errorf("BatchSet() error = %v, wantErr nil", err)
		}
		if _, err := tkvTest.tkv.Get("batchKey3"); err != nil {
			t.Errorf("Get() after BatchSet error = %v", err)
		}
	})
}
