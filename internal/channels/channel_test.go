package channels

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string
	sent []string
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Send(ctx context.Context, contact, text string) error {
	f.sent = append(f.sent, contact+": "+text)
	return nil
}

func TestRegistryRoutesByName(t *testing.T) {
	reg := NewRegistry()
	tg := &fakeChannel{name: "telegram"}
	reg.Register(tg)
	reg.Register(&fakeChannel{name: "signal"})

	require.NoError(t, reg.Send(context.Background(), "telegram", "alice", "hi"))
	assert.Equal(t, []string{"alice: hi"}, tg.sent)
	assert.Equal(t, []string{"signal", "telegram"}, reg.Names())
}

func TestRegistryUnknownChannel(t *testing.T) {
	reg := NewRegistry()
	err := reg.Send(context.Background(), "carrier-pigeon", "alice", "hi")
	assert.Error(t, err)
}

func TestSplitMessageShort(t *testing.T) {
	parts := splitMessage("hello", 4096)
	assert.Equal(t, []string{"hello"}, parts)
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := splitMessage(text, 40)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 30), parts[0])
	assert.Equal(t, strings.Repeat("b", 30), parts[1])
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("x", 100)
	parts := splitMessage(text, 40)
	require.Len(t, parts, 3)
	assert.Equal(t, 40, len(parts[0]))
	assert.Equal(t, 40, len(parts[1]))
	assert.Equal(t, 20, len(parts[2]))

	assert.Equal(t, text, strings.Join(parts, ""))
}
