package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/polymathlabs/polymath/internal/workflow"
	"github.com/polymathlabs/polymath/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Key: "user:alice", Metadata: map[string]any{"origin": "api"}}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	loaded, err := store.GetByKey(ctx, "user:alice")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if loaded.ID != session.ID {
		t.Fatalf("expected id %q, got %q", session.ID, loaded.ID)
	}
	if loaded.Metadata["origin"] != "api" {
		t.Fatalf("metadata did not round-trip: %#v", loaded.Metadata)
	}
}

func TestSQLiteStoreHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	session := &models.Session{Key: "user:bob"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("turn-%d", i)}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	history, err := reopened.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages after reopen, got %d", len(history))
	}
	for i, want := range []string{"turn-0", "turn-1", "turn-2"} {
		if history[i].Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, history[i].Content, want)
		}
	}
}

func TestSQLiteStoreHistoryWindow(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Key: "user:carol"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 30; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m-%d", i)}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 20)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(history))
	}
	if history[0].Content != "m-10" || history[19].Content != "m-29" {
		t.Fatalf("window out of order: first=%q last=%q", history[0].Content, history[19].Content)
	}
}

func TestSQLiteStoreToolCallsRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	session := &models.Session{Key: "user:dave"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg := &models.Message{
		Role:    models.RoleAssistant,
		Content: "running code",
		ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "runCode", Input: []byte(`{"code":"print(1)"}`)},
		},
	}
	if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	history, err := store.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 || len(history[0].ToolCalls) != 1 {
		t.Fatalf("tool calls did not round-trip: %#v", history)
	}
	if history[0].ToolCalls[0].Name != "runCode" {
		t.Fatalf("expected tool name runCode, got %q", history[0].ToolCalls[0].Name)
	}
}

func TestSQLiteStoreMissingSession(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := store.AppendMessage(ctx, "missing", &models.Message{Role: models.RoleUser, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on append, got %v", err)
	}
}

func TestSQLiteStoreSharedHandleSerializesJobWrites(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	// The job store shares the session store's single-connection handle in
	// production wiring.
	if _, err := workflow.NewSQLiteJobStore(store.DB()); err != nil {
		t.Fatalf("NewSQLiteJobStore() error = %v", err)
	}

	session := &models.Session{Key: "user:alice"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Hold a write transaction on the shared handle, as the engine does
	// while recording job progress.
	tx, err := store.DB().Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO jobs (id, workflow, status, created_at) VALUES (?, ?, ?, ?)`,
		"job-1", "research", "running", time.Now(),
	); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}

	appended := make(chan error, 1)
	go func() {
		appended <- store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "hi"})
	}()

	// The append must wait for the transaction, not fail with SQLITE_BUSY.
	select {
	case err := <-appended:
		t.Fatalf("AppendMessage() returned %v while the job transaction was open", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	select {
	case err := <-appended:
		if err != nil {
			t.Fatalf("AppendMessage() error = %v after the job transaction committed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AppendMessage() never completed")
	}

	history, err := store.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want 1", len(history))
	}
}
