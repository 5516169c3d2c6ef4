// Package wit implements the buffering and summarization stages of the
// pipeline. A Wit collects items of one level from the bus and, when its
// policy allows, condenses them into a single Impression of the next level.
package wit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/pkg/llm"
)

// Outcome describes what a single tick did.
type Outcome int

const (
	Emitted        Outcome = iota // an impression was published
	BelowThreshold                // not enough buffered items and no break pending
	EmptyResult                   // the follower answered with no text
	Failed                        // the follower errored or the tick panicked
	Busy                          // another tick of the same wit was in progress
	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case BelowThreshold:
		return "below_threshold"
	case EmptyResult:
		return "empty_result"
	case Failed:
		return "failed"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Stats counts tick outcomes for one stage.
type Stats struct {
	Name     string           `json:"name"`
	Buffered int              `json:"buffered"`
	Ticks    map[string]int64 `json:"ticks"`
}

// Stage is a pipeline task the orchestrator can run and drive.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
	Kick()
	Stats() Stats
}

// Policy decides when a wit emits.
type Policy struct {
	// Threshold is the minimum number of buffered items for an emission.
	// Values below one mean a single item suffices.
	Threshold int
	// Continuity feeds the last emitted summary into the next prompt.
	Continuity bool
	// Breakable lets Break force the next tick to emit regardless of Threshold.
	Breakable bool
}

// Prompter renders the instruction for a batch of items. prev is the last
// emitted summary, or "" when there is none or continuity is off.
type Prompter[In any] func(prev string, items []In) string

// Config assembles a wit.
type Config[In any] struct {
	Name     string
	Input    bus.TopicDef[In]
	Output   bus.TopicDef[types.Impression[[]In]]
	Policy   Policy
	Follower llm.InstructionFollower
	Prompt   Prompter[In]
	// Images optionally extracts pictures to attach to the instruction.
	Images func(items []In) [][]byte
	Debug  *debug.Registry
}

// Wit is the generic subscribe, accumulate, summarize, republish engine.
type Wit[In any] struct {
	cfg Config[In]
	bus *bus.Bus
	sub *bus.Subscription[In]

	mu   sync.Mutex
	buf  []In
	last string

	breakPending atomic.Bool
	ticking      atomic.Bool
	kick         chan struct{}
	extra        []func(ctx context.Context) error
	counts       [numOutcomes]atomic.Int64
}

// New creates a wit and subscribes it to its input topic immediately, so
// items published after New returns are not missed once Run starts.
func New[In any](b *bus.Bus, cfg Config[In]) *Wit[In] {
	if cfg.Policy.Threshold < 1 {
		cfg.Policy.Threshold = 1
	}
	return &Wit[In]{
		cfg:  cfg,
		bus:  b,
		sub:  bus.Subscribe(b, cfg.Input),
		kick: make(chan struct{}, 1),
	}
}

func (w *Wit[In]) Name() string { return w.cfg.Name }

// Observe appends an item to the buffer.
func (w *Wit[In]) Observe(item In) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, item)
}

// Buffered returns a copy of the items waiting to be summarized.
func (w *Wit[In]) Buffered() []In {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]In(nil), w.buf...)
}

// Last returns the most recently emitted summary.
func (w *Wit[In]) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Break arms the one-shot flag that makes the next tick emit regardless of
// the threshold, and asks the tick loop to run soon. It is a no-op for wits
// whose policy is not breakable.
func (w *Wit[In]) Break() {
	if !w.cfg.Policy.Breakable {
		return
	}
	w.breakPending.Store(true)
	w.Kick()
}

// BreakPending reports whether a break is armed.
func (w *Wit[In]) BreakPending() bool {
	return w.breakPending.Load()
}

// Kick requests a tick from the wit's own loop without waiting for it.
func (w *Wit[In]) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stats returns the current outcome counters.
func (w *Wit[In]) Stats() Stats {
	s := Stats{Name: w.cfg.Name, Ticks: make(map[string]int64, numOutcomes)}
	for o := Outcome(0); o < numOutcomes; o++ {
		s.Ticks[o.String()] = w.counts[o].Load()
	}
	w.mu.Lock()
	s.Buffered = len(w.buf)
	w.mu.Unlock()
	return s
}

// also registers an additional loop started alongside the wit in Run.
func (w *Wit[In]) also(fn func(ctx context.Context) error) {
	w.extra = append(w.extra, fn)
}

// snapshot copies the buffer and the continuity slot if the policy allows an
// emission now. The buffer itself is not modified.
func (w *Wit[In]) snapshot(brk bool) (items []In, prev string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 || (!brk && len(w.buf) < w.cfg.Policy.Threshold) {
		return nil, "", false
	}
	items = append([]In(nil), w.buf...)
	if w.cfg.Policy.Continuity {
		prev = w.last
	}
	return items, prev, true
}

// commit removes the first n summarized items, keeping anything observed
// while the follower was working, and records the summary.
func (w *Wit[In]) commit(n int, summary string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append([]In(nil), w.buf[n:]...)
	w.last = summary
}

// Tick drains and summarizes the buffer when the policy allows. Only a
// non-empty answer from the follower publishes an impression; every other
// outcome leaves the buffer as it was. Errors and panics stay inside the wit.
func (w *Wit[In]) Tick(ctx context.Context) (imp *types.Impression[[]In], outcome Outcome) {
	if !w.ticking.CompareAndSwap(false, true) {
		w.counts[Busy].Add(1)
		return nil, Busy
	}
	defer w.ticking.Store(false)

	brk := w.cfg.Policy.Breakable && w.breakPending.Swap(false)
	summarized := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("wit tick panicked", "wit", w.cfg.Name, "panic", r)
			imp, outcome = nil, Failed
		}
		if brk && summarized && outcome != Emitted {
			w.breakPending.Store(true)
		}
		w.counts[outcome].Add(1)
	}()

	items, prev, ok := w.snapshot(brk)
	if !ok {
		return nil, BelowThreshold
	}
	summarized = true

	prompt := w.cfg.Prompt(prev, items)
	instr := llm.Instruction{Prompt: prompt}
	if w.cfg.Images != nil {
		instr.Images = w.cfg.Images(items)
	}

	out, err := w.cfg.Follower.Follow(ctx, instr)
	if err != nil {
		slog.Warn("wit tick failed", "wit", w.cfg.Name, "buffered", len(items), "error", err)
		return nil, Failed
	}
	out = strings.TrimSpace(out)
	if out == "" {
		slog.Debug("wit follower returned nothing", "wit", w.cfg.Name)
		return nil, EmptyResult
	}

	headline, details := splitSummary(out)
	result := types.Impression[[]In]{
		ID:       types.NewImpressionID(),
		Headline: headline,
		Details:  details,
		Raw:      items,
		At:       time.Now(),
	}
	w.commit(len(items), out)

	bus.Publish(w.bus, w.cfg.Output, result)
	w.cfg.Debug.Report(w.cfg.Name, prompt, out)
	slog.Info("wit emitted", "wit", w.cfg.Name, "items", len(items), "headline", headline)
	return &result, Emitted
}

// Run observes the input topic and ticks whenever kicked, until ctx ends.
func (w *Wit[In]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bus.Each(ctx, w.sub, w.Observe)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-w.kick:
				w.Tick(ctx)
			}
		}
	})
	for _, fn := range w.extra {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}

// splitSummary uses the first line as the headline and the rest as details.
func splitSummary(text string) (headline, details string) {
	headline, details, _ = strings.Cut(text, "\n")
	return strings.TrimSpace(headline), strings.TrimSpace(details)
}
