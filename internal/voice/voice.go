// Package voice turns permits from the decision stage into spoken turns.
//
// A Voice is either Ready or Speaking. Only a permit moves it from Ready to
// Speaking, and the move is a single compare-and-swap, so at most one turn is
// ever active. Every turn returns the Voice to Ready, however it ends.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/pkg/llm"
)

const maxHistory = 64

// Mouth is the speech actuator. Say returns once the text has been voiced.
type Mouth interface {
	Say(ctx context.Context, text string) error
	Interrupt()
	IsSpeaking() bool
}

// AffectSink receives the emoji stripped from spoken sentences.
type AffectSink interface {
	Feel(emoji string)
}

// AffectFunc adapts a function to AffectSink.
type AffectFunc func(emoji string)

func (f AffectFunc) Feel(emoji string) { f(emoji) }

// Permit authorizes exactly one turn.
type Permit struct {
	// Decision is the one-line intent from the decision stage.
	Decision string
	// Override replaces the system prompt for this turn when non-empty.
	Override string
}

// Config tunes a Voice.
type Config struct {
	Agent            string
	SystemPrompt     string
	MaxHistoryTokens int
}

// Voice is the turn-taking actuator.
type Voice struct {
	cfg     Config
	chatter llm.Chatter
	mouth   Mouth
	affect  AffectSink
	bus     *bus.Bus
	budget  *llm.Budget
	heard   *bus.Subscription[types.Sensation]

	ready atomic.Bool
	turns atomic.Int64

	mu         sync.Mutex
	history    []llm.Message
	cancelTurn context.CancelFunc
	stopped    bool

	wg sync.WaitGroup
}

// New creates a Ready voice. It subscribes to sensations immediately so that
// heard speech is remembered from the start.
func New(b *bus.Bus, chatter llm.Chatter, mouth Mouth, affect AffectSink, budget *llm.Budget, cfg Config) *Voice {
	if affect == nil {
		affect = AffectFunc(func(string) {})
	}
	v := &Voice{
		cfg:     cfg,
		chatter: chatter,
		mouth:   mouth,
		affect:  affect,
		bus:     b,
		budget:  budget,
		heard:   bus.Subscribe(b, types.SensationTopic),
	}
	v.ready.Store(true)
	return v
}

// Ready reports whether the voice can accept a permit.
func (v *Voice) Ready() bool {
	return v.ready.Load()
}

// Turns returns how many turns have been started.
func (v *Voice) Turns() int64 {
	return v.turns.Load()
}

// Permit starts a turn if the voice is Ready and reports whether it did. A
// permit arriving while a turn is in flight, or after Run has returned, is
// dropped.
func (v *Voice) Permit(ctx context.Context, p Permit) bool {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		slog.Debug("permit ignored, voice stopped")
		return false
	}
	if !v.ready.CompareAndSwap(true, false) {
		v.mu.Unlock()
		slog.Debug("permit ignored, voice is speaking")
		return false
	}
	turnCtx, cancel := context.WithCancel(ctx)
	v.cancelTurn = cancel
	v.wg.Add(1)
	v.mu.Unlock()
	v.turns.Add(1)

	go func() {
		defer v.wg.Done()
		defer v.ready.Store(true)
		defer func() {
			cancel()
			v.mu.Lock()
			v.cancelTurn = nil
			v.mu.Unlock()
		}()
		v.turn(turnCtx, p)
	}()
	return true
}

// Wait blocks until the current turn, if any, has finished.
func (v *Voice) Wait() {
	v.wg.Wait()
}

// Interrupt stops the mouth and abandons the current turn.
func (v *Voice) Interrupt() {
	v.mouth.Interrupt()
	v.mu.Lock()
	cancel := v.cancelTurn
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run remembers what the agent hears and interrupts a turn in progress when
// someone starts talking, until ctx ends. It then refuses further permits and
// waits for the last turn.
func (v *Voice) Run(ctx context.Context) error {
	err := bus.Each(ctx, v.heard, func(s types.Sensation) {
		if s.What.Kind != types.KindHeard {
			return
		}
		v.remember("user", s.What.Text)
		if !v.Ready() {
			slog.Info("barge-in, interrupting turn")
			v.Interrupt()
		}
	})
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.Wait()
	return err
}

func (v *Voice) remember(role, text string) {
	if text = strings.TrimSpace(text); text == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = append(v.history, llm.Message{Role: role, Content: text})
	if len(v.history) > maxHistory {
		v.history = append([]llm.Message(nil), v.history[len(v.history)-maxHistory:]...)
	}
}

// History returns the remembered conversation, oldest first.
func (v *Voice) History() []llm.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]llm.Message(nil), v.history...)
}

func (v *Voice) systemPrompt(p Permit) string {
	if p.Override != "" {
		return p.Override
	}
	var b strings.Builder
	if v.cfg.SystemPrompt != "" {
		b.WriteString(v.cfg.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are %s, speaking out loud to the people around you. Keep replies short and natural.", v.cfg.Agent)
	}
	b.WriteString("\nYou may add emoji to show how you feel; they are not spoken.")
	b.WriteString("\nTo end the current episode of your life, include <break_episode/>.")
	if p.Decision != "" {
		fmt.Fprintf(&b, "\nYou have decided: %s", p.Decision)
	}
	return b.String()
}

// turn streams one reply and voices it sentence by sentence.
func (v *Voice) turn(ctx context.Context, p Permit) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice turn panicked", "panic", r)
		}
	}()

	history := v.budget.KeepRecent(v.History(), v.cfg.MaxHistoryTokens)
	stream, err := v.chatter.Chat(ctx, v.systemPrompt(p), history)
	if err != nil {
		slog.Warn("voice chat failed", "error", err)
		return
	}

	var reply strings.Builder
	var seg Segmenter
read:
	for {
		select {
		case <-ctx.Done():
			slog.Info("voice turn cancelled")
			break read
		case d, ok := <-stream:
			if !ok {
				break read
			}
			if d.Err != nil {
				slog.Warn("voice stream failed", "error", d.Err)
				break read
			}
			reply.WriteString(d.Content)
			for _, sentence := range seg.Push(d.Content) {
				v.utter(ctx, sentence)
			}
		}
	}
	if rest := seg.Flush(); rest != "" {
		v.utter(ctx, rest)
	}

	full := reply.String()
	if spoken := StripTags(full); spoken != "" {
		v.remember("assistant", spoken)
	}
	for _, instr := range ParseInstructions(full) {
		if instr.Kind == types.InstructionEmote && instr.Body != "" {
			v.affect.Feel(instr.Body)
		}
		bus.Publish(v.bus, types.InstructionTopic, instr)
	}
}

// utter routes a sentence's emoji to the affect sink and speaks the rest.
func (v *Voice) utter(ctx context.Context, sentence string) {
	emoji, text := ExtractEmoji(StripTags(sentence))
	if emoji != "" {
		v.affect.Feel(emoji)
	}
	if text == "" || ctx.Err() != nil {
		return
	}
	if err := v.mouth.Say(ctx, text); err != nil {
		slog.Warn("mouth failed", "error", err)
		return
	}
	bus.Publish(v.bus, types.SensationTopic, types.Sensation{
		What: types.Sense{Kind: types.KindSelfSpeech, Text: text},
		At:   time.Now(),
	})
}
