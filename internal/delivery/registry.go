// Package delivery fans the agent's speech out to every registered outlet.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/psyche/internal/voice"
)

// Registry is a voice.Mouth that speaks through every registered outlet at
// once. Say returns when all outlets have finished.
type Registry struct {
	mu      sync.RWMutex
	outlets map[string]voice.Mouth
}

var _ voice.Mouth = (*Registry)(nil)

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		outlets: make(map[string]voice.Mouth),
	}
}

// Register adds or replaces the outlet with the given name.
func (r *Registry) Register(name string, m voice.Mouth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outlets[name] = m
}

// Unregister removes an outlet.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outlets, name)
}

// Supervise runs an outlet's receive loop and unregisters the outlet once the
// loop returns, so speech keeps flowing to the outlets that remain. An outlet
// stopping on its own is logged, not returned.
func (r *Registry) Supervise(ctx context.Context, name string, run func(context.Context) error) {
	defer r.Unregister(name)
	err := run(ctx)
	if ctx.Err() != nil {
		return
	}
	slog.Warn("delivery outlet stopped", "outlet", name, "error", err, "remaining", len(r.Names())-1)
}

// Names lists registered outlets in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.outlets))
	for n := range r.outlets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() map[string]voice.Mouth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]voice.Mouth, len(r.outlets))
	for n, m := range r.outlets {
		out[n] = m
	}
	return out
}

// Say speaks text through all outlets concurrently. Errors from individual
// outlets are joined; one failing outlet does not stop the others.
func (r *Registry) Say(ctx context.Context, text string) error {
	outlets := r.snapshot()
	if len(outlets) == 0 {
		return fmt.Errorf("no delivery outlets registered")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, m := range outlets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Say(ctx, text); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Interrupt stops every outlet.
func (r *Registry) Interrupt() {
	for _, m := range r.snapshot() {
		m.Interrupt()
	}
}

// IsSpeaking reports whether any outlet is still speaking.
func (r *Registry) IsSpeaking() bool {
	for _, m := range r.snapshot() {
		if m.IsSpeaking() {
			return true
		}
	}
	return false
}
