package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func record(level bus.Topic, headline string, at time.Time) Record {
	return Record{ID: types.NewImpressionID(), Level: level, Headline: headline, Sources: 3, At: at}
}

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, h := range []string{"first", "second", "third"} {
		require.NoError(t, store.Save(ctx, record(bus.Moment, h, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, store.Save(ctx, record(bus.Episode, "an episode", base)))

	recent, err := store.Recent(ctx, bus.Moment, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Headline)
	assert.Equal(t, "third", recent[1].Headline)
	assert.Equal(t, 3, recent[1].Sources)
	assert.True(t, recent[1].At.Equal(base.Add(2*time.Second)))

	all, err := store.Recent(ctx, bus.Moment, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.Recent(ctx, bus.Identity, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJSONLStore(t *testing.T) {
	store := NewJSONLStore(t.TempDir())
	defer store.Close()
	testStore(t, store)
}

func TestJSONLStoreRejectsUnknownLevel(t *testing.T) {
	store := NewJSONLStore(t.TempDir())
	err := store.Save(context.Background(), record("mood", "x", time.Now()))
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestRecordFromEnvelope(t *testing.T) {
	moment := types.Moment{
		ID:       types.NewImpressionID(),
		Headline: "a greeting",
		Details:  "someone said hello",
		Raw:      []types.Instant{{Headline: "i0"}, {Headline: "i1"}},
		At:       time.Now(),
	}
	rec, ok := RecordFromEnvelope(bus.Envelope{Topic: bus.Moment, Payload: moment})
	require.True(t, ok)
	assert.Equal(t, moment.ID, rec.ID)
	assert.Equal(t, bus.Moment, rec.Level)
	assert.Equal(t, "someone said hello", rec.Details)
	assert.Equal(t, 2, rec.Sources)

	_, ok = RecordFromEnvelope(bus.Envelope{Topic: bus.Sensation, Payload: types.NewSensation(types.KindHeard, "hi")})
	assert.False(t, ok)
}

// memSink keeps records in memory and can be told to fail or stall.
type memSink struct {
	mu      sync.Mutex
	records []Record
	SaveFn  func(ctx context.Context, r Record) error
}

func (s *memSink) Save(ctx context.Context, r Record) error {
	if s.SaveFn != nil {
		if err := s.SaveFn(ctx, r); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func runRecorder(t *testing.T, r *Recorder) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestRecorderSavesImpressionsOnly(t *testing.T) {
	b := bus.New(32)
	sink := &memSink{}
	r := NewRecorder(b, sink, time.Second)
	stop := runRecorder(t, r)
	defer stop()

	bus.Publish(b, types.SensationTopic, types.NewSensation(types.KindHeard, "hello"))
	bus.Publish(b, types.InstantTopic, types.Instant{ID: types.NewImpressionID(), Headline: "hearing hello"})
	bus.Publish(b, types.InstructionTopic, types.Instruction{Kind: types.InstructionBreakEpisode})
	bus.Publish(b, types.IdentityTopic, types.Identity{ID: types.NewImpressionID(), Headline: "I am Pete"})

	require.Eventually(t, func() bool { return r.Saved() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sink.Len())
}

func TestRecorderBoundsSlowSink(t *testing.T) {
	b := bus.New(32)
	sink := &memSink{SaveFn: func(ctx context.Context, r Record) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := NewRecorder(b, sink, 20*time.Millisecond)
	stop := runRecorder(t, r)
	defer stop()

	bus.Publish(b, types.MomentTopic, types.Moment{ID: types.NewImpressionID(), Headline: "slow"})
	bus.Publish(b, types.MomentTopic, types.Moment{ID: types.NewImpressionID(), Headline: "slower"})

	require.Eventually(t, func() bool { return r.Failed() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Saved())
}

func TestRecorderSurvivesSinkErrors(t *testing.T) {
	b := bus.New(32)
	calls := 0
	sink := &memSink{SaveFn: func(context.Context, Record) error {
		calls++
		if calls == 1 {
			return errors.New("disk full")
		}
		return nil
	}}
	r := NewRecorder(b, sink, time.Second)
	stop := runRecorder(t, r)
	defer stop()

	bus.Publish(b, types.EpisodeTopic, types.Episode{ID: types.NewImpressionID(), Headline: "lost"})
	bus.Publish(b, types.EpisodeTopic, types.Episode{ID: types.NewImpressionID(), Headline: "kept"})

	require.Eventually(t, func() bool { return r.Saved() == 1 && r.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRecorderStopsWhenBusCloses(t *testing.T) {
	b := bus.New(4)
	r := NewRecorder(b, Discard{}, 0)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	b.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
