// Package debug holds the opt-in introspection channel for pipeline stages.
package debug

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/psyche/internal/types"
)

const reportBuffer = 64

// Admin is the narrow administrative surface hosts use to toggle reporting.
type Admin interface {
	Enable(label string)
	Disable(label string)
	Enabled(label string) bool
	Labels() []string
}

// Registry tracks which labels have reporting enabled and fans reports out to
// listeners. All flags default to off. Toggling never blocks emitters.
type Registry struct {
	mu        sync.RWMutex
	enabled   map[string]bool
	listeners []chan types.WitReport
}

// NewRegistry creates a registry with the given labels enabled.
func NewRegistry(labels ...string) *Registry {
	r := &Registry{enabled: make(map[string]bool)}
	for _, l := range labels {
		r.enabled[l] = true
	}
	return r
}

func (r *Registry) Enable(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[label] = true
}

func (r *Registry) Disable(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enabled, label)
}

func (r *Registry) Enabled(label string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[label]
}

// Labels returns the enabled labels in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.enabled))
	for l := range r.enabled {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Listen returns a channel receiving every report emitted after the call.
// A listener that does not keep up loses reports.
func (r *Registry) Listen() <-chan types.WitReport {
	ch := make(chan types.WitReport, reportBuffer)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

// Unlisten stops delivery to a channel returned by Listen.
func (r *Registry) Unlisten(ch <-chan types.WitReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if (<-chan types.WitReport)(l) == ch {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Report emits a report for label if, and only if, the label is enabled now.
// It returns whether the report was emitted.
func (r *Registry) Report(label, prompt, output string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled[label] {
		return false
	}
	report := types.WitReport{
		ID:     types.NewReportID(),
		Name:   label,
		Prompt: prompt,
		Output: output,
		At:     time.Now(),
	}
	for _, ch := range r.listeners {
		select {
		case ch <- report:
		default:
			slog.Debug("debug listener full, report dropped", "label", label)
		}
	}
	return true
}
