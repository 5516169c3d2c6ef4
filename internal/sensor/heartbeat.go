// Package sensor holds the sensors built into the process itself.
package sensor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
)

// DefaultHeartbeat is the heartbeat cron schedule used when none is configured.
const DefaultHeartbeat = "@every 1m"

// Heartbeat publishes a sensation that time is passing, so the pipeline has
// something to perceive when nothing else happens.
type Heartbeat struct {
	bus   *bus.Bus
	now   func() time.Time
	beats atomic.Int64
}

func NewHeartbeat(b *bus.Bus) *Heartbeat {
	return &Heartbeat{bus: b, now: time.Now}
}

// Beat publishes one heartbeat sensation.
func (h *Heartbeat) Beat() {
	now := h.now()
	h.beats.Add(1)
	bus.Publish(h.bus, types.SensationTopic, types.Sensation{
		What: types.Sense{
			Kind: types.KindHeartbeat,
			Text: fmt.Sprintf("Time passes. It is %s on %s.", now.Format("15:04"), now.Format("Monday, January 2")),
		},
		At: now,
	})
}

// Beats returns how many heartbeats have been published.
func (h *Heartbeat) Beats() int64 {
	return h.beats.Load()
}
