package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austenmoss/testforge/internal/data/repos/testutil"
	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
)

func TestRequestRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewRequestRepo(db, testutil.Logger(t))
	now := time.Now().UTC()

	pending := &types.Request{
		ID:        uuid.New(),
		URL:       "https://example.com/login",
		TestType:  types.TestTypeUI,
		Status:    types.RequestPending,
		Stage:     "queued",
		CreatedAt: now.Add(-3 * time.Hour),
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	pending.SetRequirements([]string{"user can log in"})

	terminallyFailed := &types.Request{
		ID:          uuid.New(),
		URL:         "https://example.com/signup",
		TestType:    types.TestTypeUI,
		Status:      types.RequestFailed,
		Stage:       "generation",
		Attempts:    1,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}

	staleRunning := &types.Request{
		ID:          uuid.New(),
		URL:         "https://example.com/checkout",
		TestType:    types.TestTypeUI,
		Status:      types.RequestValidation,
		Stage:       "validation",
		HeartbeatAt: ptrTime(now.Add(-10 * time.Hour)),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}

	created, err := repo.Create(dbc, []*types.Request{pending, terminallyFailed, staleRunning})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("Create: expected 3, got %d", len(created))
	}

	if rows, err := repo.GetByIDs(dbc, []uuid.UUID{pending.ID, terminallyFailed.ID, staleRunning.ID}); err != nil || len(rows) != 3 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}

	claim1, err := repo.ClaimNextRunnable(dbc, 3, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #1: %v", err)
	}
	if claim1 == nil || claim1.ID != pending.ID {
		t.Fatalf("ClaimNextRunnable #1: expected %v got %v", pending.ID, claim1)
	}
	if claim1.Status != types.RequestReconnaissance {
		t.Fatalf("ClaimNextRunnable #1: expected status reconnaissance, got %v", claim1.Status)
	}

	claim2, err := repo.ClaimNextRunnable(dbc, 3, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #2: %v", err)
	}
	if claim2 == nil || claim2.ID != staleRunning.ID {
		t.Fatalf("ClaimNextRunnable #2: expected stale running %v got %v", staleRunning.ID, claim2)
	}

	// Terminally failed rows are never claimed; only Resume makes them
	// runnable again.
	claim3, err := repo.ClaimNextRunnable(dbc, 3, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #3: %v", err)
	}
	if claim3 != nil {
		t.Fatalf("ClaimNextRunnable #3: expected nil, got %v", claim3)
	}

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, pending.ID, []string{string(types.RequestCancelled)}, map[string]interface{}{
		"status": types.RequestGeneration,
	})
	if err != nil || !ok {
		t.Fatalf("UpdateFieldsUnlessStatus: ok=%v err=%v", ok, err)
	}

	if err := repo.Heartbeat(dbc, staleRunning.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	rows, total, err := repo.List(dbc, "", "ui", 1, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(rows) != 3 {
		t.Fatalf("List: expected 3/3, got %d/%d", len(rows), total)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
