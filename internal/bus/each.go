package bus

import (
	"context"
	"errors"
	"log/slog"
)

// Each calls fn for every payload received on sub until ctx ends or the bus
// closes, in which case it returns nil. Lag is logged and skipped.
func Each[T any](ctx context.Context, sub *Subscription[T], fn func(T)) error {
	for {
		v, err := sub.Recv(ctx)
		if err != nil {
			if IsLagged(err) {
				slog.Warn("subscriber lagged", "topic", string(sub.Topic()), "error", err)
				continue
			}
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(v)
	}
}
