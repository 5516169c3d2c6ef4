package wit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/internal/voice"
	"github.com/user/psyche/pkg/llm"
)

const WillName = "Will"

// silence is the answer that means the agent should keep quiet.
const silence = "nothing"

// Speaker is the part of the voice the will drives.
type Speaker interface {
	Ready() bool
	Permit(ctx context.Context, p voice.Permit) bool
}

// awareness is the latest view from each level the will listens to.
type awareness struct {
	instant   string
	situation string
	identity  string
}

// Will decides what the agent does next and hands the turn to the voice.
type Will struct {
	agent    string
	follower llm.InstructionFollower
	speaker  Speaker
	debug    *debug.Registry

	instants   *bus.Subscription[types.Instant]
	situations *bus.Subscription[types.Situation]
	identities *bus.Subscription[types.Identity]

	mu    sync.Mutex
	aware awareness

	dirty   atomic.Bool
	ticking atomic.Bool
	kick    chan struct{}
	counts  [numOutcomes]atomic.Int64
}

// NewWill creates a will listening to instants, situations and identity.
func NewWill(b *bus.Bus, f llm.InstructionFollower, speaker Speaker, opts Options) *Will {
	return &Will{
		agent:      opts.Agent,
		follower:   f,
		speaker:    speaker,
		debug:      opts.Debug,
		instants:   bus.Subscribe(b, types.InstantTopic),
		situations: bus.Subscribe(b, types.SituationTopic),
		identities: bus.Subscribe(b, types.IdentityTopic),
		kick:       make(chan struct{}, 1),
	}
}

func (w *Will) Name() string { return WillName }

func (w *Will) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Will) Stats() Stats {
	s := Stats{Name: WillName, Ticks: make(map[string]int64, numOutcomes)}
	for o := Outcome(0); o < numOutcomes; o++ {
		s.Ticks[o.String()] = w.counts[o].Load()
	}
	return s
}

func (w *Will) update(fn func(a *awareness)) {
	w.mu.Lock()
	fn(&w.aware)
	w.mu.Unlock()
	w.dirty.Store(true)
}

// ObserveInstant records what the agent perceives right now.
func (w *Will) ObserveInstant(i types.Instant) {
	w.update(func(a *awareness) { a.instant = summaryText(i.Headline, i.Details) })
	w.Kick()
}

func (w *Will) ObserveSituation(s types.Situation) {
	w.update(func(a *awareness) { a.situation = summaryText(s.Headline, s.Details) })
}

func (w *Will) ObserveIdentity(id types.Identity) {
	w.update(func(a *awareness) { a.identity = summaryText(id.Headline, id.Details) })
}

func summaryText(headline, details string) string {
	if details == "" {
		return headline
	}
	return headline + "\n" + details
}

// Tick decides once if something new has been observed and the voice is
// free. A decision other than silence becomes a permit.
func (w *Will) Tick(ctx context.Context) (decision string, outcome Outcome) {
	if !w.ticking.CompareAndSwap(false, true) {
		w.counts[Busy].Add(1)
		return "", Busy
	}
	defer w.ticking.Store(false)
	taken := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("will tick panicked", "panic", r)
			decision, outcome = "", Failed
		}
		if taken && (outcome == Failed || outcome == Busy) {
			w.dirty.Store(true)
		}
		w.counts[outcome].Add(1)
	}()

	if !w.dirty.Load() {
		return "", BelowThreshold
	}
	if !w.speaker.Ready() {
		return "", Busy
	}
	taken = w.dirty.Swap(false)

	w.mu.Lock()
	aware := w.aware
	w.mu.Unlock()

	prompt := willPrompt(w.agent, aware)
	out, err := w.follower.Follow(ctx, llm.Instruction{Prompt: prompt})
	if err != nil {
		slog.Warn("will tick failed", "error", err)
		return "", Failed
	}
	decision, _, _ = strings.Cut(strings.TrimSpace(out), "\n")
	decision = strings.TrimSpace(decision)
	w.debug.Report(WillName, prompt, out)
	if decision == "" || strings.EqualFold(strings.Trim(decision, ".! "), silence) {
		slog.Debug("will chose silence")
		return "", EmptyResult
	}

	if !w.speaker.Permit(ctx, voice.Permit{Decision: decision}) {
		slog.Debug("voice became busy, deciding again next tick", "decision", decision)
		return decision, Busy
	}
	slog.Info("will permitted voice", "decision", decision)
	return decision, Emitted
}

// Run listens for awareness updates and decides whenever kicked.
func (w *Will) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Each(ctx, w.instants, w.ObserveInstant) })
	g.Go(func() error { return bus.Each(ctx, w.situations, w.ObserveSituation) })
	g.Go(func() error { return bus.Each(ctx, w.identities, w.ObserveIdentity) })
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
	return g.Wait()
}

func willPrompt(agent string, a awareness) string {
	return fmt.Sprintf(`You are the will of %s, deciding what %s does next.
Who %s is:
%s
The current situation:
%s
What %s perceives right now:
%s
In one line, say what %s should say or do next. If %s should stay quiet, answer with exactly "%s".`,
		agent, agent, agent, orNone(a.identity), orNone(a.situation), agent, orNone(a.instant), agent, agent, silence)
}
