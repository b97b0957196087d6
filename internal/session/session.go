// Package session persists conversation state as a dual store: an
// append-only date-partitioned audit log plus an atomic snapshot. The
// log is authoritative; the snapshot is a materialized view that can be
// discarded and rebuilt.
package session

import (
	"time"

	"github.com/lucydhq/lucyd/pkg/models"
)

// Session is the owning aggregate for one contact's conversation.
// It is mutated only on the dispatcher's queue path.
type Session struct {
	ID      string `json:"id"`
	Contact string `json:"contact"`
	Model   string `json:"model"`

	Messages []*models.Message `json:"messages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`

	CompactionCount       int    `json:"compaction_count"`
	WarnedAboutCompaction bool   `json:"warned_about_compaction,omitempty"`
	PendingSystemWarning  string `json:"pending_system_warning,omitempty"`
}

// AddMessage appends a message and folds assistant usage into the
// session totals. Usage is additive exactly once, at append time.
func (s *Session) AddMessage(msg *models.Message) {
	s.Messages = append(s.Messages, msg)
	if msg.Role == models.RoleAssistant && msg.Usage != nil {
		s.TotalInputTokens += msg.Usage.InputTokens
		s.TotalOutputTokens += msg.Usage.OutputTokens
	}
}

// LastAssistantUsage returns the usage of the most recent assistant
// message, or nil when none exists.
func (s *Session) LastAssistantUsage() *models.Usage {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == models.RoleAssistant && s.Messages[i].Usage != nil {
			return s.Messages[i].Usage
		}
	}
	return nil
}

// TakePendingWarning returns and clears the one-shot system warning.
func (s *Session) TakePendingWarning() string {
	warning := s.PendingSystemWarning
	s.PendingSystemWarning = ""
	return warning
}

// Audit event type tags.
const (
	eventSession    = "session"
	eventMessage    = "message"
	eventToolResult = "tool_result"
	eventCompaction = "compaction"
)

// Caps on audit payloads. Tool results and compaction summaries are
// stored truncated; the full content lives only in the snapshot.
const (
	auditToolResultCap = 500
	auditSummaryCap    = 2000
)

// auditEvent is one line of the per-session JSONL audit log.
type auditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// session
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Contact   string `json:"contact,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`

	// message
	Message *models.Message `json:"message,omitempty"`

	// tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`

	// compaction
	Summary          string `json:"summary,omitempty"`
	SummaryTokens    int64  `json:"summary_tokens,omitempty"`
	RemovedMessages  int    `json:"removed_messages,omitempty"`
	CompactionNumber int    `json:"compaction_number,omitempty"`
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
