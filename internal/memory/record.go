// Package memory persists the impressions the pipeline produces. Recording
// happens off the critical path: a Recorder reads the raw bus and hands each
// impression to a Sink with a bounded timeout.
package memory

import (
	"context"
	"time"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
)

// Record is the stored form of one impression.
type Record struct {
	ID       types.ImpressionID `json:"id"`
	Level    bus.Topic          `json:"level"`
	Headline string             `json:"headline"`
	Details  string             `json:"details,omitempty"`
	Sources  int                `json:"sources"`
	At       time.Time          `json:"at"`
}

// Sink receives records.
type Sink interface {
	Save(ctx context.Context, r Record) error
	Close() error
}

// Store is a Sink that can also read back recent records.
type Store interface {
	Sink
	Recent(ctx context.Context, level bus.Topic, limit int) ([]Record, error)
}

// RecordFromEnvelope converts impression payloads into records. Other topics
// are not remembered.
func RecordFromEnvelope(env bus.Envelope) (Record, bool) {
	switch imp := env.Payload.(type) {
	case types.Instant:
		return newRecord(env.Topic, imp.ID, imp.Headline, imp.Details, len(imp.Raw), imp.At), true
	case types.Moment:
		return newRecord(env.Topic, imp.ID, imp.Headline, imp.Details, len(imp.Raw), imp.At), true
	case types.Situation:
		return newRecord(env.Topic, imp.ID, imp.Headline, imp.Details, len(imp.Raw), imp.At), true
	case types.Episode:
		return newRecord(env.Topic, imp.ID, imp.Headline, imp.Details, len(imp.Raw), imp.At), true
	case types.Identity:
		return newRecord(env.Topic, imp.ID, imp.Headline, imp.Details, len(imp.Raw), imp.At), true
	}
	return Record{}, false
}

func newRecord(level bus.Topic, id types.ImpressionID, headline, details string, sources int, at time.Time) Record {
	return Record{ID: id, Level: level, Headline: headline, Details: details, Sources: sources, At: at}
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Save(context.Context, Record) error { return nil }
func (Discard) Close() error                       { return nil }
