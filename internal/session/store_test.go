package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions"), nil)
	require.NoError(t, err)
	return store
}

func assistantMsg(text string, in, out int64) *models.Message {
	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   text,
		Usage:     &models.Usage{InputTokens: in, OutputTokens: out},
		CreatedAt: time.Now().UTC(),
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "alice", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("hello", "alice", "telegram"))

	msg := assistantMsg("hi there", 100, 50)
	session.AddMessage(msg)
	require.NoError(t, store.SaveState(session))

	loaded, err := store.loadSnapshot(session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, len(session.Messages))
	for i := range session.Messages {
		want, _ := json.Marshal(session.Messages[i])
		got, _ := json.Marshal(loaded.Messages[i])
		assert.JSONEq(t, string(want), string(got))
	}
	assert.Equal(t, session.TotalInputTokens, loaded.TotalInputTokens)
	assert.Equal(t, session.TotalOutputTokens, loaded.TotalOutputTokens)
}

func TestStoreSaveLoadSaveByteEqual(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "bob", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("ping", "bob", "http"))
	session.AddMessage(assistantMsg("pong", 10, 5))
	require.NoError(t, store.SaveState(session))

	first, err := os.ReadFile(store.snapshotPath(session.ID))
	require.NoError(t, err)

	loaded, err := store.loadSnapshot(session.ID)
	require.NoError(t, err)
	require.NoError(t, store.SaveState(loaded))

	second, err := os.ReadFile(store.snapshotPath(session.ID))
	require.NoError(t, err)

	assert.Equal(t, stripUpdatedAt(t, first), stripUpdatedAt(t, second))
}

func stripUpdatedAt(t *testing.T, data []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	delete(m, "updated_at")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

func TestStoreRebuildFromAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "carol", "model-b")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("question", "carol", "telegram"))
	reply := assistantMsg("answer", 120, 30)
	session.Messages = append(session.Messages, reply)
	store.PersistAssistantMessage(ctx, session, reply)

	rebuilt, err := store.rebuild(session.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "model-b", rebuilt.Model)
	assert.Equal(t, "carol", rebuilt.Contact)
	assert.Equal(t, int64(120), rebuilt.TotalInputTokens)
	assert.Equal(t, int64(30), rebuilt.TotalOutputTokens)
	require.Len(t, rebuilt.Messages, 2)
	assert.Equal(t, "question", rebuilt.Messages[0].Content)
	assert.Equal(t, "answer", rebuilt.Messages[1].Content)
}

func TestStoreCorruptSnapshotFallsBackToRebuild(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "dave", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("hi", "dave", "http"))
	require.NoError(t, store.SaveState(session))

	require.NoError(t, os.WriteFile(store.snapshotPath(session.ID), []byte("{not json"), 0o644))

	loaded, err := store.load(ctx, session.ID, "dave")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "hi", loaded.Messages[0].Content)
}

func TestStoreRebuildAppliesCompactionReplacement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "erin", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("one", "erin", "http"))
	store.RecordUserMessage(ctx, session, models.UserMessage("two", "erin", "http"))
	session.CompactionCount = 1
	store.RecordCompaction(ctx, session, "the summary", 42, 2)
	store.RecordUserMessage(ctx, session, models.UserMessage("after", "erin", "http"))

	rebuilt, err := store.rebuild(session.ID, "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt.CompactionCount)
	require.Len(t, rebuilt.Messages, 2)
	assert.Equal(t, "the summary", rebuilt.Messages[0].Content)
	assert.Equal(t, "after", rebuilt.Messages[1].Content)
}

func TestStoreLegacyChunkRenamed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := auditEvent{
		Timestamp: time.Date(2026, 3, 5, 10, 0, 0, 0, time.Local),
		Type:      eventMessage,
		Message:   models.UserMessage("legacy", "frank", "telegram"),
	}
	line, err := json.Marshal(&ev)
	require.NoError(t, err)
	legacy := filepath.Join(store.dir, "legacy-id.jsonl")
	require.NoError(t, os.WriteFile(legacy, append(line, '\n'), 0o644))

	store.migrateLegacyChunk(ctx, "legacy-id")

	_, err = os.Stat(legacy)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(store.chunkPath("legacy-id", "2026-03-05"))
	assert.NoError(t, err)
}

func TestStoreLegacyChunkMergedIntoDated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stamp := time.Date(2026, 3, 5, 9, 0, 0, 0, time.Local)
	legacyEv := auditEvent{Timestamp: stamp, Type: eventMessage, Message: models.UserMessage("old", "g", "t")}
	legacyLine, _ := json.Marshal(&legacyEv)
	datedEv := auditEvent{Timestamp: stamp.Add(time.Hour), Type: eventMessage, Message: models.UserMessage("new", "g", "t")}
	datedLine, _ := json.Marshal(&datedEv)

	legacy := filepath.Join(store.dir, "m-id.jsonl")
	dated := store.chunkPath("m-id", "2026-03-05")
	require.NoError(t, os.WriteFile(legacy, append(legacyLine, '\n'), 0o644))
	require.NoError(t, os.WriteFile(dated, append(datedLine, '\n'), 0o644))

	store.migrateLegacyChunk(ctx, "m-id")

	_, err := os.Stat(legacy)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	data, err := os.ReadFile(dated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "old")
	assert.Contains(t, string(data), "new")
}

func TestStoreCloseArchivesAndFiresCallbacks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var order []string
	store.OnClose(func(ctx context.Context, s *Session) error {
		order = append(order, "first")
		return fmt.Errorf("callback failure is swallowed")
	})
	store.OnClose(func(ctx context.Context, s *Session) error {
		order = append(order, "second")
		return nil
	})

	session, err := store.GetOrCreate(ctx, "grace", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("bye", "grace", "http"))
	require.NoError(t, store.SaveState(session))

	require.NoError(t, store.Close(ctx, "grace"))
	assert.Equal(t, []string{"first", "second"}, order)

	// Snapshot moved, not deleted.
	_, err = os.Stat(store.snapshotPath(session.ID))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(store.dir, archiveDir, session.ID+".state.json"))
	assert.NoError(t, err)

	// Index no longer references the contact; next message creates anew.
	fresh, err := store.GetOrCreate(ctx, "grace", "model-a")
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, fresh.ID)
}

func TestStoreGetOrCreateReturnsSameSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "henry", "model-a")
	require.NoError(t, err)
	b, err := store.GetOrCreate(ctx, "henry", "model-a")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestStoreIndexSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	store, err := NewStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "iris", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("persist me", "iris", "http"))
	require.NoError(t, store.SaveState(session))

	reopened, err := NewStore(dir, nil)
	require.NoError(t, err)
	again, err := reopened.GetOrCreate(ctx, "iris", "model-a")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "persist me", again.Messages[0].Content)
}

func TestStoreRecallTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "judy", "model-a")
	require.NoError(t, err)
	store.RecordUserMessage(ctx, session, models.UserMessage("[2026-08-24 10:00] hello there", "judy", "telegram"))
	session.AddMessage(assistantMsg("hello judy", 10, 5))
	store.RecordUserMessage(ctx, session, models.UserMessage("what's new", "judy", "telegram"))
	session.AddMessage(assistantMsg("not much", 10, 5))
	require.NoError(t, store.SaveState(session))
	require.NoError(t, store.Close(ctx, "judy"))

	recall := store.BuildRecall("judy", "Lucy", 3)
	require.NotEmpty(t, recall)
	assert.True(t, len(recall) > 0)
	assert.Contains(t, recall, "Session recall (last conversation):\n\n")
	assert.Contains(t, recall, "**judy:** what's new")
	assert.Contains(t, recall, "**Lucy:** not much")
	// Envelope stripped and count limit applied: the first user line is
	// outside the last-3 window.
	assert.NotContains(t, recall, "[2026-08-24 10:00]")
	assert.NotContains(t, recall, "hello there")
}

func TestStoreRecallNoArchive(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.BuildRecall("nobody", "Lucy", 10))
}

func TestAtomicWriteCleansUpTempOnFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.json")
	require.NoError(t, atomicWrite(target, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
