package wit

import (
	"context"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/pkg/llm"
)

// Stage names double as debug labels.
const (
	QuickName     = "Quick"
	MomentName    = "Moment"
	SituationName = "Situation"
	EpisodeName   = "Episode"
	IdentityName  = "Identity"
)

// Default emission thresholds per stage.
const (
	QuickThreshold     = 1
	MomentThreshold    = 3
	SituationThreshold = 3
	EpisodeThreshold   = 3
	IdentityThreshold  = 1
)

// Options carries the settings shared by the concrete stages.
type Options struct {
	// Agent is the name the prompts use for the agent.
	Agent string
	// Threshold overrides the stage default when positive.
	Threshold int
	Debug     *debug.Registry
}

func (o Options) threshold(def int) int {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return def
}

// NewQuick turns raw sensations and face reports into instants.
func NewQuick(b *bus.Bus, f llm.InstructionFollower, opts Options) *Wit[types.Sensation] {
	w := New(b, Config[types.Sensation]{
		Name:     QuickName,
		Input:    types.SensationTopic,
		Output:   types.InstantTopic,
		Policy:   Policy{Threshold: opts.threshold(QuickThreshold)},
		Follower: f,
		Prompt:   quickPrompt(opts.Agent),
		Images:   sensationImages,
		Debug:    opts.Debug,
	})
	faces := bus.Subscribe(b, types.FaceInfoTopic)
	w.also(func(ctx context.Context) error {
		return bus.Each(ctx, faces, func(fi types.FaceInfo) {
			w.Observe(facesSensation(fi))
		})
	})
	return w
}

func sensationImages(items []types.Sensation) [][]byte {
	var images [][]byte
	for _, s := range items {
		if len(s.What.Image) > 0 {
			images = append(images, s.What.Image)
		}
	}
	return images
}

// NewMoment groups instants into moments.
func NewMoment(b *bus.Bus, f llm.InstructionFollower, opts Options) *Wit[types.Instant] {
	return New(b, Config[types.Instant]{
		Name:     MomentName,
		Input:    types.InstantTopic,
		Output:   types.MomentTopic,
		Policy:   Policy{Threshold: opts.threshold(MomentThreshold)},
		Follower: f,
		Prompt:   momentPrompt(opts.Agent),
		Debug:    opts.Debug,
	})
}

// NewSituation folds moments into a running situation, feeding the previous
// situation back into every prompt.
func NewSituation(b *bus.Bus, f llm.InstructionFollower, opts Options) *Wit[types.Moment] {
	return New(b, Config[types.Moment]{
		Name:     SituationName,
		Input:    types.MomentTopic,
		Output:   types.SituationTopic,
		Policy:   Policy{Threshold: opts.threshold(SituationThreshold), Continuity: true},
		Follower: f,
		Prompt:   situationPrompt(opts.Agent),
		Debug:    opts.Debug,
	})
}

// NewEpisode closes episodes from situations. A BreakEpisode instruction on
// the bus forces the next tick to emit whatever is buffered.
func NewEpisode(b *bus.Bus, f llm.InstructionFollower, opts Options) *Wit[types.Situation] {
	w := New(b, Config[types.Situation]{
		Name:     EpisodeName,
		Input:    types.SituationTopic,
		Output:   types.EpisodeTopic,
		Policy:   Policy{Threshold: opts.threshold(EpisodeThreshold), Breakable: true},
		Follower: f,
		Prompt:   episodePrompt(opts.Agent),
		Debug:    opts.Debug,
	})
	instructions := bus.Subscribe(b, types.InstructionTopic)
	w.also(func(ctx context.Context) error {
		return bus.Each(ctx, instructions, func(in types.Instruction) {
			if in.Kind == types.InstructionBreakEpisode {
				w.Break()
			}
		})
	})
	return w
}

// NewIdentity accretes episodes into the agent's self-narrative. The previous
// narrative is trimmed to narrativeTokens before it is sent back.
func NewIdentity(b *bus.Bus, f llm.InstructionFollower, opts Options, budget *llm.Budget, narrativeTokens int) *Wit[types.Episode] {
	trim := func(s string) string { return budget.KeepTail(s, narrativeTokens) }
	return New(b, Config[types.Episode]{
		Name:     IdentityName,
		Input:    types.EpisodeTopic,
		Output:   types.IdentityTopic,
		Policy:   Policy{Threshold: opts.threshold(IdentityThreshold), Continuity: true},
		Follower: f,
		Prompt:   identityPrompt(opts.Agent, trim),
		Debug:    opts.Debug,
	})
}
