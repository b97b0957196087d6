package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/internal/channels"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/internal/queue"
	"github.com/lucydhq/lucyd/internal/session"
	"github.com/lucydhq/lucyd/pkg/models"
)

// scriptedProvider replays canned responses in order and keeps replaying
// the last one.
type scriptedProvider struct {
	name      string
	model     string
	responses []providers.Response
	err       error

	mu         sync.Mutex
	calls      int
	lastPrompt []*models.Message
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return p.model }

func (p *scriptedProvider) FormatTools(tools []models.ToolSchema) any        { return tools }
func (p *scriptedProvider) FormatSystem(blocks []models.SystemBlock) any     { return blocks }
func (p *scriptedProvider) FormatMessages(msgs []*models.Message) (any, error) {
	return msgs, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, system, messages, tools any) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if msgs, ok := messages.([]*models.Message); ok {
		p.lastPrompt = msgs
	}
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	resp := p.responses[idx]
	return &resp, nil
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *fakeChannel) Name() string                    { return "telegram" }
func (c *fakeChannel) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (c *fakeChannel) Send(ctx context.Context, contact, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, contact+": "+text)
	return nil
}

func endTurn(text string, inputTokens int64) providers.Response {
	return providers.Response{
		Text:       text,
		StopReason: models.StopEndTurn,
		Usage:      models.Usage{InputTokens: inputTokens, OutputTokens: 10},
	}
}

func newTestDispatcher(t *testing.T, provider providers.Provider, mutate func(*Options)) (*Dispatcher, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	opts := Options{
		Queue:    queue.New(8, nil),
		Store:    store,
		Bindings: map[string]ModelBinding{DefaultRoute: {Provider: provider}},
		Config:   Config{MaxTurns: 5},
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d, store
}

func TestProcessResolvesFuture(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", model: "primary-model",
		responses: []providers.Response{endTurn("hello back", 100)}}
	d, store := newTestDispatcher(t, provider, nil)

	item := &models.WorkItem{
		Sender:      "http-alice",
		Type:        models.WorkItemHTTP,
		Source:      "http",
		Text:        "hello",
		ReplyFuture: make(chan any, 1),
	}
	d.Process(context.Background(), item)

	reply := <-item.ReplyFuture
	body, ok := reply.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello back", body["response"])
	assert.NotEmpty(t, body["session_id"])

	sess, err := store.GetOrCreate(context.Background(), "http-alice", "primary-model")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, models.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, int64(100), sess.TotalInputTokens)
}

func TestProcessSendsViaChannel(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", model: "m",
		responses: []providers.Response{endTurn("reply text", 50)}}
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(t, provider, func(opts *Options) {
		reg := channels.NewRegistry()
		reg.Register(ch)
		opts.Channels = reg
	})

	d.Process(context.Background(), &models.WorkItem{
		Sender: "alice",
		Type:   models.WorkItemChat,
		Source: "telegram",
		Text:   "hi",
	})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "alice: reply text", ch.sent[0])
}

func TestProcessLoopErrorProducesOperatorMessage(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", model: "m",
		err: errors.New("connection refused: secret-internal-host:443")}
	d, _ := newTestDispatcher(t, provider, func(opts *Options) {
		opts.Config.ErrorMessage = "The agent is unavailable right now."
	})

	item := &models.WorkItem{
		Sender:      "http-bob",
		Type:        models.WorkItemHTTP,
		Source:      "http",
		Text:        "hi",
		ReplyFuture: make(chan any, 1),
	}
	d.Process(context.Background(), item)

	body := (<-item.ReplyFuture).(map[string]any)
	assert.Equal(t, "The agent is unavailable right now.", body["response"])
	assert.NotContains(t, body["response"], "secret-internal-host")
}

func TestRouteBySourceLabel(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", model: "primary-model",
		responses: []providers.Response{endTurn("from primary", 10)}}
	coder := &scriptedProvider{name: "openai", model: "coder-model",
		responses: []providers.Response{endTurn("from coder", 10)}}

	d, _ := newTestDispatcher(t, primary, func(opts *Options) {
		opts.Bindings["coder"] = ModelBinding{Provider: coder}
		opts.Routes = map[string]string{"ci": "coder"}
	})

	item := &models.WorkItem{
		Sender:      "http-x",
		Type:        models.WorkItemHTTP,
		Source:      "ci",
		Text:        "review this",
		ReplyFuture: make(chan any, 1),
	}
	d.Process(context.Background(), item)

	body := (<-item.ReplyFuture).(map[string]any)
	assert.Equal(t, "from coder", body["response"])
	assert.Equal(t, 0, primary.calls)
	assert.Equal(t, 1, coder.calls)
}

func TestCompactionWarnsThenCompacts(t *testing.T) {
	over := int64(session.DefaultCompactionThreshold) + 1
	provider := &scriptedProvider{name: "anthropic", model: "m",
		responses: []providers.Response{endTurn("long answer", over)}}
	summarizer := &scriptedProvider{name: "anthropic", model: "summarizer",
		responses: []providers.Response{endTurn("the conversation so far", 10)}}

	d, store := newTestDispatcher(t, provider, nil)
	d.compactor = session.NewCompactor(summarizer, store, "", 0, nil, nil)

	send := func(text string) {
		item := &models.WorkItem{
			Sender:      "http-carol",
			Type:        models.WorkItemHTTP,
			Source:      "http",
			Text:        text,
			ReplyFuture: make(chan any, 1),
		}
		d.Process(context.Background(), item)
		<-item.ReplyFuture
	}

	send("first")
	sess, err := store.GetOrCreate(context.Background(), "http-carol", "m")
	require.NoError(t, err)
	assert.True(t, sess.WarnedAboutCompaction)
	assert.NotEmpty(t, sess.PendingSystemWarning)
	assert.Equal(t, 0, sess.CompactionCount)

	// The second item injects the pending warning as a system note,
	// then trips the already-warned path and compacts.
	send("second")
	assert.Equal(t, 1, sess.CompactionCount)
	assert.Equal(t, 1, summarizer.calls)
	assert.False(t, sess.WarnedAboutCompaction)

	// The warning note was part of the summarized prefix, so the
	// summarizer's prompt must contain it.
	require.Len(t, summarizer.lastPrompt, 1)
	assert.Contains(t, summarizer.lastPrompt[0].Content, "approaching its length limit")
}

func TestMonitorGoesIdleAfterProcess(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", model: "m",
		responses: []providers.Response{endTurn("ok", 10)}}
	monitorPath := filepath.Join(t.TempDir(), "monitor.json")
	d, _ := newTestDispatcher(t, provider, func(opts *Options) {
		opts.Config.MonitorPath = monitorPath
	})

	item := &models.WorkItem{
		Sender:      "http-a",
		Type:        models.WorkItemHTTP,
		Source:      "http",
		Text:        "hi",
		ReplyFuture: make(chan any, 1),
	}
	d.Process(context.Background(), item)
	<-item.ReplyFuture

	data, err := os.ReadFile(monitorPath)
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "idle", state["state"])
}

func TestNotifyEchoBack(t *testing.T) {
	received := make(chan map[string]any, 1)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	provider := &scriptedProvider{name: "anthropic", model: "m",
		responses: []providers.Response{endTurn("deploy looks fine", 10)}}
	d, _ := newTestDispatcher(t, provider, func(opts *Options) {
		opts.Config.WebhookURL = webhook.URL
	})

	d.Process(context.Background(), &models.WorkItem{
		Sender: "http-ci",
		Type:   models.WorkItemSystem,
		Source: "http",
		Text:   "deploy finished",
		Notify: &models.NotifyMeta{Source: "ci", Ref: "deploy-9"},
	})

	select {
	case body := <-received:
		assert.Equal(t, "ci", body["source"])
		assert.Equal(t, "deploy-9", body["ref"])
		assert.Equal(t, "deploy looks fine", body["response"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestRunStopsWhenContextDone(t *testing.T) {
	provider := &scriptedProvider{name: "anthropic", model: "m",
		responses: []providers.Response{endTurn("ok", 10)}}
	d, _ := newTestDispatcher(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
