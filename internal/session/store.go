package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/pkg/models"
)

const (
	indexFile  = "sessions.json"
	archiveDir = ".archive"
	dateLayout = "2006-01-02"
)

// datedChunk matches "<id>.YYYY-MM-DD.jsonl".
var datedChunk = regexp.MustCompile(`^(.+)\.(\d{4}-\d{2}-\d{2})\.jsonl$`)

// IndexEntry maps a contact to its active session.
type IndexEntry struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CloseCallback is notified before a session is archived. Callbacks
// fire in registration order; failures are logged, never propagated.
type CloseCallback func(ctx context.Context, session *Session) error

// Store owns the on-disk session layout:
//
//	<dir>/<id>.state.json          snapshot
//	<dir>/<id>.YYYY-MM-DD.jsonl    audit log chunks
//	<dir>/sessions.json            contact -> session index
//	<dir>/.archive/                closed sessions
type Store struct {
	dir    string
	logger *observability.Logger

	mu             sync.Mutex
	index          map[string]IndexEntry
	active         map[string]*Session // keyed by contact
	closeCallbacks []CloseCallback
}

// NewStore opens (creating if needed) the session directory and loads
// the index.
func NewStore(dir string, logger *observability.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		index:  make(map[string]IndexEntry),
		active: make(map[string]*Session),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnClose registers a callback to run before sessions are archived.
func (s *Store) OnClose(cb CloseCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallbacks = append(s.closeCallbacks, cb)
}

// GetOrCreate returns the contact's active session, loading it from
// disk or creating it on first contact.
func (s *Store) GetOrCreate(ctx context.Context, contact, model string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.active[contact]; ok {
		return session, nil
	}

	if entry, ok := s.index[contact]; ok {
		session, err := s.load(ctx, entry.SessionID, contact)
		if err == nil {
			s.active[contact] = session
			return session, nil
		}
		if s.logger != nil {
			s.logger.Warn(ctx, "session load failed, starting fresh",
				"session_id", entry.SessionID, "contact", contact, "error", err)
		}
	}

	session := &Session{
		ID:        uuid.NewString(),
		Contact:   contact,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
	s.index[contact] = IndexEntry{SessionID: session.ID, CreatedAt: session.CreatedAt}
	if err := s.saveIndex(); err != nil {
		return nil, err
	}
	s.active[contact] = session

	s.appendEvent(ctx, session.ID, &auditEvent{
		Timestamp: time.Now().UTC(),
		Type:      eventSession,
		SessionID: session.ID,
		Model:     model,
		Contact:   contact,
	})
	return session, nil
}

// Active returns read-only copies of the active sessions for the
// listing endpoint; the copies share no message slices with the owned
// aggregates beyond the immutable messages themselves.
func (s *Store) Active() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Session, 0, len(s.active))
	for _, session := range s.active {
		copied := *session
		copied.Messages = append([]*models.Message(nil), session.Messages...)
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// LoadAll loads every indexed session without registering it as active,
// for read-only listings. Sessions that fail to load are skipped.
func (s *Store) LoadAll(ctx context.Context) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Session, 0, len(s.index))
	for contact, entry := range s.index {
		if active, ok := s.active[contact]; ok {
			copied := *active
			result = append(result, &copied)
			continue
		}
		session, err := s.load(ctx, entry.SessionID, contact)
		if err != nil {
			continue
		}
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// load tries the snapshot first and falls back to a log rebuild.
func (s *Store) load(ctx context.Context, id, contact string) (*Session, error) {
	s.migrateLegacyChunk(ctx, id)

	session, err := s.loadSnapshot(id)
	if err == nil {
		return session, nil
	}
	if s.logger != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn(ctx, "snapshot unreadable, rebuilding from audit log",
			"session_id", id, "error", err)
	}
	return s.rebuild(id, contact)
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.dir, id+".state.json")
}

func (s *Store) chunkPath(id string, date string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.jsonl", id, date))
}

func (s *Store) loadSnapshot(id string) (*Session, error) {
	data, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &session, nil
}

// SaveState writes the snapshot atomically: temp file, fsync, rename.
func (s *Store) SaveState(session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return atomicWrite(s.snapshotPath(session.ID), data)
}

// chunks lists the session's audit log files: the legacy undated chunk
// first (if any), then dated chunks ascending. File order is
// chronological thanks to date partitioning.
func (s *Store) chunks(id string) []string {
	var dated []string
	legacy := filepath.Join(s.dir, id+".jsonl")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		m := datedChunk.FindStringSubmatch(entry.Name())
		if m != nil && m[1] == id {
			dated = append(dated, filepath.Join(s.dir, entry.Name()))
		}
	}
	sort.Strings(dated)

	if _, err := os.Stat(legacy); err == nil {
		return append([]string{legacy}, dated...)
	}
	return dated
}

// migrateLegacyChunk folds an undated "<id>.jsonl" chunk into the dated
// layout. If a dated chunk for the same starting date already exists,
// the undated contents are appended onto it and the undated file is
// deleted; otherwise the undated chunk is renamed to its dated form.
func (s *Store) migrateLegacyChunk(ctx context.Context, id string) {
	legacy := filepath.Join(s.dir, id+".jsonl")
	data, err := os.ReadFile(legacy)
	if err != nil {
		return
	}

	date := firstEventDate(data)
	if date == "" {
		date = time.Now().Format(dateLayout)
	}
	dated := s.chunkPath(id, date)

	if _, err := os.Stat(dated); err == nil {
		f, err := os.OpenFile(dated, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		_, werr := f.Write(data)
		if werr == nil {
			werr = f.Sync()
		}
		f.Close()
		if werr != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "legacy chunk merge failed", "session_id", id, "error", werr)
			}
			return
		}
		os.Remove(legacy)
		return
	}

	if err := os.Rename(legacy, dated); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "legacy chunk rename failed", "session_id", id, "error", err)
	}
}

func firstEventDate(data []byte) string {
	line, _, _ := strings.Cut(string(data), "\n")
	var ev auditEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Timestamp.IsZero() {
		return ""
	}
	return ev.Timestamp.Local().Format(dateLayout)
}

// rebuild replays the audit log into a fresh session. A compaction
// event replaces the accumulated messages with its summary, which is
// how post-compaction state is reconstructed.
func (s *Store) rebuild(id, contact string) (*Session, error) {
	session := &Session{ID: id, Contact: contact, CreatedAt: time.Now().UTC()}

	replayed := false
	for _, chunk := range s.chunks(id) {
		f, err := os.Open(chunk)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var ev auditEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			replayed = true
			switch ev.Type {
			case eventSession:
				if ev.Model != "" {
					session.Model = ev.Model
				}
				if ev.Contact != "" {
					session.Contact = ev.Contact
				}
				session.CreatedAt = ev.Timestamp
			case eventMessage:
				if ev.Message != nil {
					session.AddMessage(ev.Message)
				}
			case eventCompaction:
				session.CompactionCount++
				if ev.Summary != "" {
					session.Messages = []*models.Message{{
						Role:      models.RoleUser,
						Content:   ev.Summary,
						CreatedAt: ev.Timestamp,
					}}
				}
			}
		}
		f.Close()
	}

	if !replayed {
		return nil, fmt.Errorf("session %s: no snapshot and no audit log", id)
	}
	return session, nil
}

// appendEvent writes one audit line with write-then-fsync. Append
// failures are logged but never fail the caller; the audit log is
// best-effort durable, the snapshot still captures state.
func (s *Store) appendEvent(ctx context.Context, id string, ev *auditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "audit event marshal failed", "session_id", id, "error", err)
		}
		return
	}

	path := s.chunkPath(id, ev.Timestamp.Local().Format(dateLayout))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "audit append failed", "session_id", id, "error", err)
		}
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "audit write failed", "session_id", id, "error", err)
		}
		return
	}
	if err := f.Sync(); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "audit fsync failed", "session_id", id, "error", err)
	}
}

// RecordUserMessage adds an inbound message to the session and audits
// it.
func (s *Store) RecordUserMessage(ctx context.Context, session *Session, msg *models.Message) {
	session.AddMessage(msg)
	s.appendEvent(ctx, session.ID, &auditEvent{Type: eventMessage, Message: msg})
}

// PersistAssistantMessage audits an assistant message the loop already
// appended to the session's message slice, and folds its usage into the
// totals.
func (s *Store) PersistAssistantMessage(ctx context.Context, session *Session, msg *models.Message) {
	if msg.Usage != nil {
		session.TotalInputTokens += msg.Usage.InputTokens
		session.TotalOutputTokens += msg.Usage.OutputTokens
	}
	s.appendEvent(ctx, session.ID, &auditEvent{Type: eventMessage, Message: msg})
}

// PersistToolResults audits tool results (truncated) without touching
// the message slice the loop already appended to.
func (s *Store) PersistToolResults(ctx context.Context, session *Session, results []models.ToolResult) {
	for _, r := range results {
		s.appendEvent(ctx, session.ID, &auditEvent{
			Type:       eventToolResult,
			ToolCallID: r.ToolCallID,
			Content:    truncateString(r.Content, auditToolResultCap),
		})
	}
}

// RecordCompaction audits a completed compaction.
func (s *Store) RecordCompaction(ctx context.Context, session *Session, summary string, summaryTokens int64, removed int) {
	s.appendEvent(ctx, session.ID, &auditEvent{
		Type:             eventCompaction,
		Summary:          truncateString(summary, auditSummaryCap),
		SummaryTokens:    summaryTokens,
		RemovedMessages:  removed,
		CompactionNumber: session.CompactionCount,
	})
}

// Close fires the close callbacks, archives the session's files, and
// removes it from the index. The session is moved, never deleted.
func (s *Store) Close(ctx context.Context, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[contact]
	if !ok {
		return fmt.Errorf("no active session for %s", contact)
	}

	session := s.active[contact]
	if session == nil {
		if loaded, err := s.load(ctx, entry.SessionID, contact); err == nil {
			session = loaded
		}
	}
	if session != nil {
		if err := s.SaveState(session); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "final snapshot failed", "session_id", session.ID, "error", err)
		}
		for _, cb := range s.closeCallbacks {
			if err := cb(ctx, session); err != nil && s.logger != nil {
				s.logger.Warn(ctx, "close callback failed", "session_id", session.ID, "error", err)
			}
		}
	}

	s.archive(entry.SessionID)
	delete(s.active, contact)
	delete(s.index, contact)
	return s.saveIndex()
}

// archive moves the snapshot and every log chunk into .archive/.
func (s *Store) archive(id string) {
	dest := filepath.Join(s.dir, archiveDir)
	candidates := append(s.chunks(id), s.snapshotPath(id))
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		os.Rename(path, filepath.Join(dest, filepath.Base(path)))
	}
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	return nil
}

func (s *Store) saveIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, indexFile), data)
}

// atomicWrite goes temp file, fsync, rename. The temp file is removed
// on any failure.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}
