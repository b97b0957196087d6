// Package channels defines the transport interface the dispatcher
// replies through, and the Telegram implementation.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Channel is one message transport. Start blocks until ctx is done;
// inbound messages are enqueued as work items by the implementation.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(ctx context.Context, contact, text string) error
}

// Registry holds the configured transports by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel. Last registration wins on name collision.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the named channel.
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("no channel named %q", name)
	}
	return ch, nil
}

// Names lists the registered channels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send routes a reply through the named channel.
func (r *Registry) Send(ctx context.Context, channel, contact, text string) error {
	ch, err := r.Get(channel)
	if err != nil {
		return err
	}
	return ch.Send(ctx, contact, text)
}
