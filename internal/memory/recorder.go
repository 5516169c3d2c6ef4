package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/psyche/internal/bus"
)

// DefaultTimeout bounds a single Save.
const DefaultTimeout = 2 * time.Second

// Recorder saves every impression published on the bus.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	sub     *bus.RawSubscription

	saved  atomic.Int64
	failed atomic.Int64
}

// NewRecorder subscribes to the raw bus right away so nothing published
// after it returns is missed.
func NewRecorder(b *bus.Bus, sink Sink, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Recorder{sink: sink, timeout: timeout, sub: b.SubscribeRaw()}
}

// Saved and Failed count Save outcomes.
func (r *Recorder) Saved() int64  { return r.saved.Load() }
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Run records until ctx ends or the bus closes.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		env, err := r.sub.Recv(ctx)
		if err != nil {
			if bus.IsLagged(err) {
				slog.Warn("memory recorder lagged, impressions not saved", "error", err)
				continue
			}
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		rec, ok := RecordFromEnvelope(env)
		if !ok {
			continue
		}
		r.save(ctx, rec)
	}
}

func (r *Recorder) save(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.sink.Save(ctx, rec); err != nil {
		r.failed.Add(1)
		slog.Warn("save memory failed", "level", rec.Level, "id", rec.ID, "error", err)
		return
	}
	r.saved.Add(1)
}
