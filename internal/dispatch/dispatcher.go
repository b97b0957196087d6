// Package dispatch is the single consumer of the work queue. It resolves
// sessions, routes work items to providers, drives the agentic loop, and
// fans replies back out to whichever surface originated the item.
package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/channels"
	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/internal/queue"
	"github.com/lucydhq/lucyd/internal/session"
	"github.com/lucydhq/lucyd/pkg/models"
)

// DefaultErrorMessage is the reply when the agentic loop fails. Internal
// detail goes to the log, never to the contact.
const DefaultErrorMessage = "Something went wrong while handling that message. Please try again."

// compactionWarning is injected as a system note one turn before the
// conversation gets summarized.
const compactionWarning = "Note: this conversation is approaching its length limit and will be summarized soon. Wrap up any in-progress work."

// DefaultRoute is the model route used when a work item's source has no
// explicit routing entry.
const DefaultRoute = "primary"

// ModelBinding pairs a provider instance with its per-million-token
// rates ([input, output, cache-read] USD).
type ModelBinding struct {
	Provider providers.Provider
	Rates    []float64
}

// ContextBuilder produces the system prompt for one loop invocation. It
// must not mutate the session.
type ContextBuilder interface {
	Build(ctx context.Context, tier string, sess *session.Session) []models.SystemBlock
}

// ContextBuilderFunc adapts a function to the ContextBuilder interface.
type ContextBuilderFunc func(ctx context.Context, tier string, sess *session.Session) []models.SystemBlock

func (f ContextBuilderFunc) Build(ctx context.Context, tier string, sess *session.Session) []models.SystemBlock {
	return f(ctx, tier, sess)
}

// Config holds the dispatcher's tunables.
type Config struct {
	MaxTurns       int           `yaml:"max_turns"`
	MaxCost        float64       `yaml:"max_cost"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`

	// ErrorMessage replaces the reply text when the loop fails.
	ErrorMessage string `yaml:"error_message"`

	// MonitorPath is the live-monitor JSON file. Empty disables it.
	MonitorPath string `yaml:"monitor_path"`

	// WebhookURL receives echo-backs for system notifications that carry
	// notify metadata. Empty disables echo-back.
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// Options wires a dispatcher.
type Options struct {
	Queue    *queue.Queue
	Store    *session.Store
	Registry *agent.Registry

	// Bindings maps route names to providers; a "primary" binding is
	// required. Routes maps work-item source labels to route names.
	Bindings map[string]ModelBinding
	Routes   map[string]string

	Builder   ContextBuilder
	Compactor *session.Compactor
	Ledger    agent.Ledger
	Channels  *channels.Registry

	Config  Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Dispatcher consumes the work queue one item at a time, which is what
// serializes all agentic work per process.
type Dispatcher struct {
	queue     *queue.Queue
	store     *session.Store
	registry  *agent.Registry
	bindings  map[string]ModelBinding
	routes    map[string]string
	builder   ContextBuilder
	compactor *session.Compactor
	ledger    agent.Ledger
	channels  *channels.Registry
	monitor   *Monitor
	config    Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	webhook   *http.Client
}

// New creates a dispatcher. Options.Queue, Options.Store, and a
// "primary" binding are required; everything else is optional.
func New(opts Options) (*Dispatcher, error) {
	if opts.Queue == nil || opts.Store == nil {
		return nil, fmt.Errorf("dispatch: queue and store are required")
	}
	if _, ok := opts.Bindings[DefaultRoute]; !ok {
		return nil, fmt.Errorf("dispatch: no %q model binding configured", DefaultRoute)
	}
	config := opts.Config
	if config.ErrorMessage == "" {
		config.ErrorMessage = DefaultErrorMessage
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 25
	}
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:     opts.Queue,
		store:     opts.Store,
		registry:  opts.Registry,
		bindings:  opts.Bindings,
		routes:    opts.Routes,
		builder:   opts.Builder,
		compactor: opts.Compactor,
		ledger:    opts.Ledger,
		channels:  opts.Channels,
		monitor:   NewMonitor(config.MonitorPath),
		config:    config,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		webhook:   &http.Client{Timeout: config.WebhookTimeout},
	}, nil
}

// Run consumes the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.monitor.Idle()
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		d.Process(ctx, item)
	}
}

// Process handles a single work item end to end. It never returns an
// error: every failure mode resolves to a reply (possibly the configured
// error message) so futures are always fulfilled.
func (d *Dispatcher) Process(ctx context.Context, item *models.WorkItem) {
	if d.metrics != nil {
		d.metrics.WorkItemsTotal.WithLabelValues(string(item.Type)).Inc()
	}

	binding, model := d.route(item.Source)
	sess, err := d.store.GetOrCreate(ctx, item.Sender, model)
	if err != nil {
		d.logError(ctx, "session resolve failed", err)
		d.reply(ctx, item, "", d.config.ErrorMessage)
		return
	}
	ctx = observability.AddSessionID(observability.AddContact(ctx, sess.Contact), sess.ID)

	if warning := sess.TakePendingWarning(); warning != "" {
		note := models.UserMessage(warning, "", "system")
		note.SystemNote = true
		d.store.RecordUserMessage(ctx, sess, note)
	}
	d.store.RecordUserMessage(ctx, sess, d.composeUserMessage(ctx, item))

	var system []models.SystemBlock
	if d.builder != nil {
		system = d.builder.Build(ctx, item.Tier, sess)
	}

	d.monitor.Thinking(sess.Contact, model, sess.ID)
	defer d.monitor.Idle()

	start := len(sess.Messages)
	executor := agent.NewExecutor(d.registry, agent.ExecutorConfig{}, d.logger, d.metrics)
	var tools []models.ToolSchema
	if d.registry != nil {
		tools = d.registry.Schemas()
	}

	resp, loopErr := agent.RunLoop(ctx, binding.Provider, system, &sess.Messages, tools, executor, agent.LoopOptions{
		MaxTurns:       d.config.MaxTurns,
		PerCallTimeout: d.config.PerCallTimeout,
		SessionID:      sess.ID,
		Model:          model,
		Rates:          binding.Rates,
		MaxCost:        d.config.MaxCost,
		Ledger:         d.ledger,
		Logger:         d.logger,
		Metrics:        d.metrics,
		OnResponse: func(r *providers.Response) {
			if len(r.ToolCalls) > 0 {
				names := make([]string, len(r.ToolCalls))
				for i, call := range r.ToolCalls {
					names[i] = call.Name
				}
				d.monitor.Tools(names)
			}
		},
		OnToolResults: func([]models.ToolResult) {
			d.monitor.NextTurn()
		},
	})

	// The loop appended its messages in place; record them in the audit
	// log without re-appending.
	for _, msg := range sess.Messages[start:] {
		switch msg.Role {
		case models.RoleAssistant:
			d.store.PersistAssistantMessage(ctx, sess, msg)
		case models.RoleTool:
			d.store.PersistToolResults(ctx, sess, msg.ToolResults)
		}
	}

	replyText := d.config.ErrorMessage
	if loopErr != nil {
		d.logError(ctx, "agent loop failed", loopErr)
	} else if resp != nil {
		replyText = resp.Text
	}

	d.checkCompaction(ctx, sess)

	if err := d.store.SaveState(sess); err != nil {
		d.logError(ctx, "snapshot save failed", err)
	}

	d.reply(ctx, item, sess.ID, replyText)
}

// route maps a work item's source label to a model binding, falling back
// to the primary binding.
func (d *Dispatcher) route(source string) (ModelBinding, string) {
	name := DefaultRoute
	if routed, ok := d.routes[source]; ok {
		name = routed
	}
	binding, ok := d.bindings[name]
	if !ok {
		binding = d.bindings[DefaultRoute]
	}
	return binding, binding.Provider.Model()
}

// checkCompaction warns the model one turn ahead, then compacts on the
// following trip past the threshold.
func (d *Dispatcher) checkCompaction(ctx context.Context, sess *session.Session) {
	if d.compactor == nil || !d.compactor.NeedsCompaction(sess) {
		return
	}
	if !sess.WarnedAboutCompaction {
		sess.PendingSystemWarning = compactionWarning
		sess.WarnedAboutCompaction = true
		return
	}
	if err := d.compactor.Compact(ctx, sess); err != nil {
		d.logError(ctx, "compaction failed", err)
	}
}

// composeUserMessage turns a work item into the inbound user message.
// Image attachments become image content blocks; other attachment types
// become a textual note so the model knows the file exists on disk.
func (d *Dispatcher) composeUserMessage(ctx context.Context, item *models.WorkItem) *models.Message {
	if len(item.Attachments) == 0 {
		return models.UserMessage(item.Text, item.Sender, item.Source)
	}

	blocks := []models.ContentBlock{models.TextBlock(item.Text)}
	for _, att := range item.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			data, err := os.ReadFile(att.LocalPath)
			if err == nil {
				blocks = append(blocks, models.ImageBlock(att.ContentType, base64.StdEncoding.EncodeToString(data)))
				continue
			}
			d.logError(ctx, "attachment read failed", err)
		}
		blocks = append(blocks, models.TextBlock(fmt.Sprintf("[attachment saved to %s (%s, %d bytes)]", att.LocalPath, att.ContentType, att.Size)))
	}

	return &models.Message{
		Role:      models.RoleUser,
		Blocks:    blocks,
		Sender:    item.Sender,
		Source:    item.Source,
		CreatedAt: time.Now().UTC(),
	}
}

// reply fans the final text back to whichever surface originated the
// item.
func (d *Dispatcher) reply(ctx context.Context, item *models.WorkItem, sessionID, text string) {
	switch {
	case item.ReplyFuture != nil:
		item.ReplyFuture <- map[string]any{
			"response":   text,
			"session_id": sessionID,
		}
	case item.Type == models.WorkItemChat:
		if d.channels == nil {
			return
		}
		if err := d.channels.Send(ctx, item.Source, item.Sender, text); err != nil {
			d.logError(ctx, "channel send failed", err)
		}
	case item.Type == models.WorkItemSystem && item.Notify != nil:
		d.echoBack(ctx, item.Notify, text)
	}
}

// echoBack posts the reply to the configured notification webhook.
func (d *Dispatcher) echoBack(ctx context.Context, meta *models.NotifyMeta, text string) {
	if d.config.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"source":   meta.Source,
		"ref":      meta.Ref,
		"data":     meta.Data,
		"response": text,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		d.logError(ctx, "webhook request build failed", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.webhook.Do(req)
	if err != nil {
		d.logError(ctx, "webhook echo-back failed", err)
		return
	}
	resp.Body.Close()
}

func (d *Dispatcher) logError(ctx context.Context, msg string, err error) {
	if d.logger != nil {
		d.logger.Error(ctx, msg, "error", err)
	}
}
