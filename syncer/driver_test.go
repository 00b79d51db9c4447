package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/LatticeWorks/tether/config"
	"github.com/LatticeWorks/tether/models"
)

type fakeAuthor struct {
	code string
	err  error
}

func (f *fakeAuthor) Generate(_ context.Context, _ string) (string, error) {
	return f.code, f.err
}

func TestOrchestrator_GenerateDriver(t *testing.T) {
	h := newTestHarness(t, config.SyncConfig{})
	owner := "owner-1"
	ctx := context.Background()

	t.Run("no author configured", func(t *testing.T) {
		err := h.orch.GenerateDriver(ctx, owner, "lamp", "write a lamp driver", nil)
		if !errors.Is(err, ErrNoDriverAuthor) {
			t.Fatalf("GenerateDriver() error = %v, want ErrNoDriverAuthor", err)
		}
	})

	t.Run("generated code is stored as a draft artifact", func(t *testing.T) {
		h.orch.SetDriverAuthor(&fakeAuthor{code: "function turnOn() {}"})
		err := h.orch.GenerateDriver(ctx, owner, "lamp", "write a lamp driver", map[string]string{"on": "turnOn"})
		if err != nil {
			t.Fatalf("GenerateDriver() error = %v", err)
		}

		content, err := h.files.Read(owner, "drivers/lamp", models.StateDraft)
		if err != nil {
			t.Fatalf("Read(driver artifact) error = %v", err)
		}
		var stored driverArtifact
		if err := json.Unmarshal(content, &stored); err != nil {
			t.Fatalf("driver artifact unmarshal error = %v", err)
		}
		if stored.DriverID != "lamp" || stored.Code != "function turnOn() {}" {
			t.Errorf("stored artifact got = %+v", stored)
		}
		if stored.Commands["on"] != "turnOn" {
			t.Errorf("stored commands got = %v", stored.Commands)
		}
	})

	t.Run("blank generation is rejected", func(t *testing.T) {
		h.orch.SetDriverAuthor(&fakeAuthor{code: "   \n"})
		err := h.orch.GenerateDriver(ctx, owner, "blank", "prompt", nil)
		if !errors.Is(err, ErrEmptyDriver) {
			t.Errorf("GenerateDriver() error = %v, want ErrEmptyDriver", err)
		}
	})

	t.Run("oversized generation is rejected", func(t *testing.T) {
		h.orch.SetDriverAuthor(&fakeAuthor{code: strings.Repeat("x", maxDriverSize+1)})
		err := h.orch.GenerateDriver(ctx, owner, "huge", "prompt", nil)
		if !errors.Is(err, ErrDriverTooLarge) {
			t.Errorf("GenerateDriver() error = %v, want ErrDriverTooLarge", err)
		}
	})

	t.Run("author failure propagates", func(t *testing.T) {
		boom := errors.New("model unavailable")
		h.orch.SetDriverAuthor(&fakeAuthor{err: boom})
		err := h.orch.GenerateDriver(ctx, owner, "lamp", "prompt", nil)
		if !errors.Is(err, boom) {
			t.Errorf("GenerateDriver() error = %v, want author error", err)
		}
	})
}

func TestOrchestrator_SyncDriver(t *testing.T) {
	h := newTestHarness(t, config.SyncConfig{})
	owner := "owner-1"
	h.orch.SetDriverAuthor(&fakeAuthor{code: "function turnOn() {}"})

	if err := h.orch.GenerateDriver(context.Background(), owner, "lamp", "prompt", nil); err != nil {
		t.Fatalf("Setup: GenerateDriver() error = %v", err)
	}

	t.Run("offline target", func(t *testing.T) {
		_, err := h.orch.SyncDriver(owner, "lamp")
		if !errors.Is(err, ErrControllerOffline) {
			t.Fatalf("SyncDriver() error = %v, want ErrControllerOffline", err)
		}
	})

	h.transport.online[owner] = true

	t.Run("unknown driver", func(t *testing.T) {
		_, err := h.orch.SyncDriver(owner, "no-such-driver")
		if !errors.Is(err, ErrDriverNotFound) {
			t.Fatalf("SyncDriver() error = %v, want ErrDriverNotFound", err)
		}
	})

	t.Run("dispatches driver_sync and records the attempt", func(t *testing.T) {
		attempt, err := h.orch.SyncDriver(owner, "lamp")
		if err != nil {
			t.Fatalf("SyncDriver() error = %v", err)
		}
		if attempt.Status != models.TransferPending {
			t.Errorf("attempt status got = %s, want pending", attempt.Status)
		}

		if len(h.transport.sent) == 0 {
			t.Fatalf("no envelope captured")
		}
		env := h.transport.sent[len(h.transport.sent)-1]
		if env.Type != models.MsgDriverSync {
			t.Fatalf("envelope type got = %s, want driver_sync", env.Type)
		}
		var payload models.DriverSyncPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("payload unmarshal error = %v", err)
		}
		if payload.SyncID != attempt.ID || payload.DriverID != "lamp" || payload.Code == "" {
			t.Errorf("payload got = %+v", payload)
		}

		// Node-side completion closes out the transfer.
		h.orch.DriverSyncComplete(owner, attempt.ID)
		got, _ := h.transfers.Get(attempt.ID)
		if got.Status != models.TransferCompleted {
			t.Errorf("transfer status got = %s, want completed", got.Status)
		}
	})
}
