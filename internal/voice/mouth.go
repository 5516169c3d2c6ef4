package voice

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// LogMouth is a Mouth that writes utterances to the log. It stands in for
// audio output when no speech transport is configured.
type LogMouth struct {
	// PerRune approximates speaking time. Zero means instant.
	PerRune time.Duration

	speaking    atomic.Bool
	interrupted atomic.Bool
}

func (m *LogMouth) Say(ctx context.Context, text string) error {
	m.speaking.Store(true)
	defer m.speaking.Store(false)
	m.interrupted.Store(false)

	slog.Info("say", "text", text)
	if m.PerRune <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(len([]rune(text))) * m.PerRune)
	defer timer.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-tick.C:
			if m.interrupted.Load() {
				return nil
			}
		}
	}
}

func (m *LogMouth) Interrupt() {
	m.interrupted.Store(true)
}

func (m *LogMouth) IsSpeaking() bool {
	return m.speaking.Load()
}
