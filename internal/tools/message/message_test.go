package message

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/channels"
)

type captureChannel struct {
	mu   sync.Mutex
	name string
	sent []string
}

func (c *captureChannel) Name() string                    { return c.name }
func (c *captureChannel) Start(ctx context.Context) error { return nil }
func (c *captureChannel) Send(ctx context.Context, contact, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, contact+"|"+text)
	return nil
}

func (c *captureChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func setup(t *testing.T) (*agent.Registry, *captureChannel, *Scheduler) {
	t.Helper()
	ch := &captureChannel{name: "telegram"}
	reg := channels.NewRegistry()
	reg.Register(ch)

	sched := NewScheduler(func(ctx context.Context, channel, contact, text string) error {
		return reg.Send(ctx, channel, contact, text)
	}, nil)
	sched.Start()
	t.Cleanup(sched.Stop)

	tools := agent.NewRegistry(nil, 0)
	tools.RegisterMany(Tools(reg, "telegram", sched))
	return tools, ch, sched
}

func TestSendMessage(t *testing.T) {
	tools, ch, _ := setup(t)

	out := tools.Execute(context.Background(), "send_message",
		json.RawMessage(`{"contact":"alice","text":"hello"}`))
	assert.Contains(t, out, "Sent to alice via telegram")
	assert.Equal(t, []string{"alice|hello"}, ch.snapshot())
}

func TestSendMessageUnknownChannel(t *testing.T) {
	tools, _, _ := setup(t)

	out := tools.Execute(context.Background(), "send_message",
		json.RawMessage(`{"contact":"alice","text":"hi","channel":"fax"}`))
	assert.Contains(t, out, "Error:")
}

func TestScheduleMessageDelay(t *testing.T) {
	tools, ch, _ := setup(t)

	out := tools.Execute(context.Background(), "schedule_message",
		json.RawMessage(`{"contact":"bob","text":"later","delay_seconds":1}`))
	assert.Contains(t, out, "Scheduled message to bob")
	assert.Empty(t, ch.snapshot(), "not delivered yet")

	require.Eventually(t, func() bool {
		sent := ch.snapshot()
		return len(sent) == 1 && sent[0] == "bob|later"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScheduleMessageInvalidCron(t *testing.T) {
	tools, _, _ := setup(t)

	out := tools.Execute(context.Background(), "schedule_message",
		json.RawMessage(`{"contact":"bob","text":"x","cron":"not a cron"}`))
	assert.Contains(t, out, "invalid cron expression")
}

func TestScheduleMessageRequiresTiming(t *testing.T) {
	tools, _, _ := setup(t)

	out := tools.Execute(context.Background(), "schedule_message",
		json.RawMessage(`{"contact":"bob","text":"x"}`))
	assert.Contains(t, out, "either delay_seconds or cron is required")
}

func TestSchedulerStopCancelsTimers(t *testing.T) {
	_, ch, sched := setup(t)

	sched.ScheduleOnce(100*time.Millisecond, "telegram", "carol", "never")
	sched.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, ch.snapshot())
}
