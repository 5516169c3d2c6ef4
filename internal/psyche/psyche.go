// Package psyche assembles the bus, the stages, the will and the voice into
// one running agent.
package psyche

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/memory"
	"github.com/user/psyche/internal/scheduler"
	"github.com/user/psyche/internal/sensor"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/internal/voice"
	"github.com/user/psyche/internal/wit"
	"github.com/user/psyche/pkg/llm"
)

// DefaultIntervals is how often each stage is asked to tick.
var DefaultIntervals = map[string]time.Duration{
	wit.QuickName:     time.Second,
	wit.MomentName:    5 * time.Second,
	wit.SituationName: 15 * time.Second,
	wit.EpisodeName:   time.Minute,
	wit.IdentityName:  5 * time.Minute,
	wit.WillName:      2 * time.Second,
}

// Options configures a Psyche.
type Options struct {
	Agent       string
	BusCapacity int
	// Thresholds and Intervals override the per-stage defaults by stage name.
	Thresholds map[string]int
	Intervals  map[string]time.Duration
	// NarrativeTokens caps the self-narrative fed back to the identity stage.
	NarrativeTokens int
	Voice           voice.Config
	DebugLabels     []string
	// Heartbeat is a cron schedule for the heartbeat sensor. Empty disables it.
	Heartbeat     string
	MemoryTimeout time.Duration
}

// Deps are the external collaborators.
type Deps struct {
	Follower llm.InstructionFollower
	Chatter  llm.Chatter
	Mouth    voice.Mouth
	Affect   voice.AffectSink
	// Memory receives every impression. Nil disables recording.
	Memory memory.Sink
	Budget *llm.Budget
	// Bus is shared with sensors and actuators created before the psyche.
	// Nil means a new bus of Options.BusCapacity.
	Bus *bus.Bus
}

// Psyche is one agent instance.
type Psyche struct {
	opts      Options
	bus       *bus.Bus
	debug     *debug.Registry
	stages    []wit.Stage
	voice     *voice.Voice
	recorder  *memory.Recorder
	memory    memory.Sink
	sched     *scheduler.Scheduler
	heartbeat *sensor.Heartbeat
	closeOnce sync.Once
	closeErr  error
}

// New wires a psyche. Every stage subscribes to the bus here, so sensations
// fed before Run are not lost.
func New(opts Options, deps Deps) (*Psyche, error) {
	if deps.Follower == nil || deps.Chatter == nil || deps.Mouth == nil {
		return nil, fmt.Errorf("create psyche: follower, chatter and mouth are required")
	}
	if opts.Agent == "" {
		opts.Agent = "Pete"
	}
	if opts.Voice.Agent == "" {
		opts.Voice.Agent = opts.Agent
	}
	if opts.NarrativeTokens <= 0 {
		opts.NarrativeTokens = 1024
	}

	b := deps.Bus
	if b == nil {
		b = bus.New(opts.BusCapacity)
	}
	p := &Psyche{
		opts:  opts,
		bus:   b,
		debug: debug.NewRegistry(opts.DebugLabels...),
		sched: scheduler.New(),
	}

	stageOpts := func(name string) wit.Options {
		return wit.Options{Agent: opts.Agent, Threshold: opts.Thresholds[name], Debug: p.debug}
	}
	p.voice = voice.New(p.bus, deps.Chatter, deps.Mouth, deps.Affect, deps.Budget, opts.Voice)
	p.stages = []wit.Stage{
		wit.NewQuick(p.bus, deps.Follower, stageOpts(wit.QuickName)),
		wit.NewMoment(p.bus, deps.Follower, stageOpts(wit.MomentName)),
		wit.NewSituation(p.bus, deps.Follower, stageOpts(wit.SituationName)),
		wit.NewEpisode(p.bus, deps.Follower, stageOpts(wit.EpisodeName)),
		wit.NewIdentity(p.bus, deps.Follower, stageOpts(wit.IdentityName), deps.Budget, opts.NarrativeTokens),
		wit.NewWill(p.bus, deps.Follower, p.voice, stageOpts(wit.WillName)),
	}

	if deps.Memory != nil {
		p.memory = deps.Memory
		p.recorder = memory.NewRecorder(p.bus, deps.Memory, opts.MemoryTimeout)
	}

	for _, s := range p.stages {
		if err := p.sched.Every(s.Name(), p.interval(s.Name()), s.Kick); err != nil {
			return nil, err
		}
	}
	if opts.Heartbeat != "" {
		p.heartbeat = sensor.NewHeartbeat(p.bus)
		if err := p.sched.Add(scheduler.Job{Name: "heartbeat", Schedule: opts.Heartbeat, Fn: p.heartbeat.Beat}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Psyche) interval(name string) time.Duration {
	if d := p.opts.Intervals[name]; d > 0 {
		return d
	}
	return DefaultIntervals[name]
}

// Feed publishes a sensation from an external sensor.
func (p *Psyche) Feed(s types.Sensation) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	bus.Publish(p.bus, types.SensationTopic, s)
}

// FeedFace publishes a face recognition report.
func (p *Psyche) FeedFace(f types.FaceInfo) {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	bus.Publish(p.bus, types.FaceInfoTopic, f)
}

// BreakEpisode asks the episode stage to close the current episode.
func (p *Psyche) BreakEpisode() {
	bus.Publish(p.bus, types.InstructionTopic, types.Instruction{Kind: types.InstructionBreakEpisode})
}

// SubscribeRaw returns a subscription to every envelope, for bridging.
func (p *Psyche) SubscribeRaw() *bus.RawSubscription {
	return p.bus.SubscribeRaw()
}

// Bus exposes the underlying bus to sensors and actuators living outside.
func (p *Psyche) Bus() *bus.Bus { return p.bus }

// Debug returns the debug registry.
func (p *Psyche) Debug() *debug.Registry { return p.debug }

// Voice returns the speech turn-taker.
func (p *Psyche) Voice() *voice.Voice { return p.voice }

// Stats returns tick counters for every stage, in pipeline order.
func (p *Psyche) Stats() []wit.Stats {
	out := make([]wit.Stats, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, s.Stats())
	}
	return out
}

// Kick asks every stage to tick now rather than waiting for its interval.
func (p *Psyche) Kick() {
	for _, s := range p.stages {
		s.Kick()
	}
}

// Schedule lists the scheduled jobs.
func (p *Psyche) Schedule() []scheduler.Entry {
	return p.sched.Entries()
}

// Run runs every stage, the voice and the memory recorder until ctx ends.
func (p *Psyche) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.stages {
		g.Go(func() error {
			if err := s.Run(ctx); err != nil {
				return fmt.Errorf("run %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return p.voice.Run(ctx) })
	if p.recorder != nil {
		g.Go(func() error { return p.recorder.Run(ctx) })
	}

	p.sched.Start()
	slog.Info("psyche running", "agent", p.opts.Agent, "stages", len(p.stages))

	<-ctx.Done()
	p.sched.Stop()
	err := g.Wait()
	p.voice.Wait()
	slog.Info("psyche stopped", "agent", p.opts.Agent)
	return err
}

// Close closes the bus and the memory sink. Call it after Run returns.
func (p *Psyche) Close() error {
	p.closeOnce.Do(func() {
		p.bus.Close()
		if p.memory != nil {
			if err := p.memory.Close(); err != nil {
				p.closeErr = fmt.Errorf("close memory: %w", err)
			}
		}
	})
	return p.closeErr
}
