package transport

import (
	"context"
	"fmt"
	"sync"
)

// Registry routes outgoing sends to the adapter that owns the channel's
// platform prefix. It implements Sender.
//
// Registration happens during boot; lookups happen on every delivery, so
// reads take the cheap path.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds (or replaces) the adapter under its own Name().
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Adapter returns the adapter registered under name.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	return a, ok
}

// Send routes out to the adapter for channelID's platform. An unknown
// platform is a permanent error: retrying cannot make an adapter appear.
func (r *Registry) Send(ctx context.Context, channelID string, out Outgoing) error {
	platform, _ := SplitChannelID(channelID)
	if platform == "" {
		return fmt.Errorf("channel id %q has no platform prefix", channelID)
	}
	a, ok := r.Adapter(platform)
	if !ok {
		return fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a.Send(ctx, channelID, out)
}
