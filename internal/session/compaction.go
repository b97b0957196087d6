package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/pkg/models"
)

// DefaultCompactionThreshold is the last-assistant input-token count
// above which the dispatcher triggers compaction.
const DefaultCompactionThreshold = 150_000

const (
	transcriptArgsCap   = 200
	transcriptResultCap = 2000
)

// DefaultSummaryInstruction asks for a summary that preserves enough
// context to continue the conversation.
const DefaultSummaryInstruction = "Summarize the conversation below. Preserve decisions, facts, " +
	"user preferences, open tasks, and the outcomes of any tool use. Write prose, not bullets."

// continuityNotice is injected after the summary so the model knows the
// history was rewritten.
const continuityNotice = "[Earlier conversation was summarized above to free context. Continue naturally.]"

// Compactor summarizes the oldest two-thirds of a session via an LLM
// when the context window approaches the threshold.
type Compactor struct {
	provider    providers.Provider
	store       *Store
	instruction string
	threshold   int64
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewCompactor builds a compactor around a summarization provider.
// An empty instruction or non-positive threshold takes the default.
func NewCompactor(provider providers.Provider, store *Store, instruction string, threshold int64, logger *observability.Logger, metrics *observability.Metrics) *Compactor {
	if instruction == "" {
		instruction = DefaultSummaryInstruction
	}
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	return &Compactor{
		provider:    provider,
		store:       store,
		instruction: instruction,
		threshold:   threshold,
		logger:      logger,
		metrics:     metrics,
	}
}

// NeedsCompaction reports whether the last assistant call's input token
// count crossed the threshold.
func (c *Compactor) NeedsCompaction(session *Session) bool {
	usage := session.LastAssistantUsage()
	return usage != nil && usage.InputTokens > c.threshold
}

// Threshold returns the configured trigger.
func (c *Compactor) Threshold() int64 { return c.threshold }

// Compact replaces the oldest two-thirds of the session's messages with
// an LLM-produced summary. Failure leaves the session untouched.
func (c *Compactor) Compact(ctx context.Context, session *Session) error {
	if len(session.Messages) < 4 {
		return nil
	}

	split := len(session.Messages) * 2 / 3
	old := session.Messages[:split]
	recent := session.Messages[split:]

	transcript := Transcript(old)
	prompt := c.instruction + "\n\n" + transcript

	request := []*models.Message{{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now().UTC()}}
	formatted, err := c.provider.FormatMessages(request)
	if err != nil {
		return fmt.Errorf("compaction: format summary request: %w", err)
	}
	resp, err := c.provider.Complete(ctx, nil, formatted, nil)
	if err != nil {
		return fmt.Errorf("compaction: summarize: %w", err)
	}
	if resp.Text == "" {
		return fmt.Errorf("compaction: summarizer returned empty text")
	}

	now := time.Now().UTC()
	summaryMsg := &models.Message{
		Role:      models.RoleUser,
		Content:   "Summary of the conversation so far:\n\n" + resp.Text,
		CreatedAt: now,
	}
	marker := &models.Message{
		Role:       models.RoleUser,
		Content:    continuityNotice,
		SystemNote: true,
		CreatedAt:  now,
	}

	session.Messages = append([]*models.Message{summaryMsg, marker}, recent...)
	session.CompactionCount++
	session.WarnedAboutCompaction = false

	if err := c.store.SaveState(session); err != nil {
		return fmt.Errorf("compaction: save snapshot: %w", err)
	}
	c.store.RecordCompaction(ctx, session, resp.Text, resp.Usage.OutputTokens, len(old))

	if c.metrics != nil {
		c.metrics.CompactionsTotal.Inc()
	}
	if c.logger != nil {
		c.logger.Info(ctx, "session compacted",
			"session_id", session.ID,
			"removed_messages", len(old),
			"compaction_count", session.CompactionCount)
	}
	return nil
}

// Transcript serializes messages to prose for the summarizer. Tool
// calls and their results are included; losing them produces opaque
// summaries.
func Transcript(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			label := "User"
			if msg.SystemNote {
				label = "System"
			}
			fmt.Fprintf(&b, "%s: %s\n", label, msg.Content)
		case models.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, "Assistant called tool %s(%s)\n",
					tc.Name, truncateString(string(tc.Input), transcriptArgsCap))
			}
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				fmt.Fprintf(&b, "Tool result (%s): %s\n",
					tr.ToolCallID, truncateString(tr.Content, transcriptResultCap))
			}
		}
	}
	return b.String()
}
