package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucydhq/lucyd/pkg/models"
)

// SenderPrefix marks HTTP-originated senders so a client cannot
// impersonate a transport contact.
const SenderPrefix = "http-"

type attachmentPayload struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Filename    string `json:"filename,omitempty"`
}

type chatRequest struct {
	Message     string              `json:"message"`
	Sender      string              `json:"sender,omitempty"`
	Context     string              `json:"context,omitempty"`
	Tier        string              `json:"tier,omitempty"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type notifyRequest struct {
	chatRequest
	Source string         `json:"source,omitempty"`
	Ref    string         `json:"ref,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	item := &models.WorkItem{
		Sender:      prefixSender(req.Sender),
		Type:        models.WorkItemHTTP,
		Source:      "http",
		Text:        composeText(req.Context, req.Message),
		Tier:        req.Tier,
		Attachments: s.saveAttachments(r, req.Attachments),
		ReplyFuture: make(chan any, 1),
		EnqueuedAt:  time.Now().UTC(),
	}

	if err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if s.metrics != nil {
		s.metrics.WorkItemsTotal.WithLabelValues("http").Inc()
	}

	select {
	case reply := <-item.ReplyFuture:
		writeJSON(w, http.StatusOK, reply)
	case <-time.After(s.config.AgentTimeout):
		// The work may still complete later and post via a channel.
		writeError(w, http.StatusRequestTimeout, "agent timed out")
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, "client went away")
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	now := time.Now().UTC()
	item := &models.WorkItem{
		Sender:      prefixSender(req.Sender),
		Type:        models.WorkItemSystem,
		Source:      "http",
		Text:        composeText(req.Context, req.Message),
		Tier:        req.Tier,
		Attachments: s.saveAttachments(r, req.Attachments),
		EnqueuedAt:  now,
	}
	if req.Source != "" || req.Ref != "" || len(req.Data) > 0 {
		item.Notify = &models.NotifyMeta{Source: req.Source, Ref: req.Ref, Data: req.Data}
	}

	if err := s.queue.TryEnqueue(item); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}
	if s.metrics != nil {
		s.metrics.WorkItemsTotal.WithLabelValues("notify").Inc()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"queued_at": now.Format("2006-01-02T15:04:05.000Z"),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var todayCost float64
	if s.ledger != nil {
		if c, err := s.ledger.TodayCost(r.Context()); err == nil {
			todayCost = c
		}
	}
	active := 0
	if s.store != nil {
		active = len(s.store.Active())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"active_sessions": active,
		"today_cost":      todayCost,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	type sessionView struct {
		ID              string    `json:"id"`
		Contact         string    `json:"contact"`
		Model           string    `json:"model"`
		Messages        int       `json:"messages"`
		CreatedAt       time.Time `json:"created_at"`
		InputTokens     int64     `json:"total_input_tokens"`
		OutputTokens    int64     `json:"total_output_tokens"`
		CompactionCount int       `json:"compaction_count"`
	}

	views := []sessionView{}
	if s.store != nil {
		for _, sess := range s.store.Active() {
			views = append(views, sessionView{
				ID:              sess.ID,
				Contact:         sess.Contact,
				Model:           sess.Model,
				Messages:        len(sess.Messages),
				CreatedAt:       sess.CreatedAt,
				InputTokens:     sess.TotalInputTokens,
				OutputTokens:    sess.TotalOutputTokens,
				CompactionCount: sess.CompactionCount,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	summary, err := s.ledger.SummaryForPeriod(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func prefixSender(sender string) string {
	if sender == "" {
		sender = "anonymous"
	}
	return SenderPrefix + sender
}

func composeText(contextNote, message string) string {
	if contextNote == "" {
		return message
	}
	return fmt.Sprintf("[%s] %s", contextNote, message)
}

// saveAttachments decodes base64 attachments into the download
// directory. Items missing content_type or data are silently skipped,
// as are items that fail to decode.
func (s *Server) saveAttachments(r *http.Request, attachments []attachmentPayload) []models.SavedAttachment {
	if len(attachments) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.config.DownloadDir, 0o755); err != nil {
		if s.logger != nil {
			s.logger.Warn(r.Context(), "cannot create download dir", "error", err)
		}
		return nil
	}

	var saved []models.SavedAttachment
	for i, att := range attachments {
		if att.ContentType == "" || att.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			continue
		}

		name := att.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d%s", i, extensionFor(att.ContentType))
		}
		name = fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(name))
		path := filepath.Join(s.config.DownloadDir, name)

		if err := os.WriteFile(path, data, 0o644); err != nil {
			if s.logger != nil {
				s.logger.Warn(r.Context(), "attachment write failed", "error", err)
			}
			continue
		}
		saved = append(saved, models.SavedAttachment{
			ContentType: att.ContentType,
			LocalPath:   path,
			Filename:    att.Filename,
			Size:        int64(len(data)),
		})
	}
	return saved
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}
