package psyche

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/memory"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/internal/wit"
	"github.com/user/psyche/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stageFollower answers according to which stage is asking.
func stageFollower() llm.FollowerFunc {
	return func(ctx context.Context, instr llm.Instruction) (string, error) {
		switch {
		case strings.Contains(instr.Prompt, "fast perceptual sense"):
			return "I hear someone say hello.", nil
		case strings.Contains(instr.Prompt, "the will of"):
			return "Say hello back.", nil
		default:
			return "Something happened", nil
		}
	}
}

type streamChatter string

func (c streamChatter) Chat(ctx context.Context, system string, history []llm.Message) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta, 1)
	ch <- llm.Delta{Content: string(c)}
	close(ch)
	return ch, nil
}

type tapeMouth struct {
	mu   sync.Mutex
	said []string
}

func (m *tapeMouth) Say(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.said = append(m.said, text)
	return nil
}

func (m *tapeMouth) Interrupt()       {}
func (m *tapeMouth) IsSpeaking() bool { return false }

func (m *tapeMouth) Said() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.said...)
}

type memSink struct {
	mu      sync.Mutex
	records []memory.Record
	closed  bool
}

func (s *memSink) Save(ctx context.Context, r memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) Levels() []bus.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Topic
	for _, r := range s.records {
		out = append(out, r.Level)
	}
	return out
}

func newPsyche(t *testing.T, mouth *tapeMouth, sink memory.Sink) *Psyche {
	t.Helper()
	p, err := New(Options{Agent: "Pete", Heartbeat: "@every 1h"}, Deps{
		Follower: stageFollower(),
		Chatter:  streamChatter("Hello to you too."),
		Mouth:    mouth,
		Memory:   sink,
		Budget:   &llm.Budget{},
	})
	require.NoError(t, err)
	return p
}

func start(t *testing.T, p *Psyche) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, p.Close())
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{})
	assert.Error(t, err)
}

func TestHeardSensationLeadsToSpeech(t *testing.T) {
	mouth := &tapeMouth{}
	sink := &memSink{}
	p := newPsyche(t, mouth, sink)
	stop := start(t, p)

	p.Feed(types.NewSensation(types.KindHeard, "hello"))
	require.Eventually(t, func() bool {
		p.Kick()
		return len(mouth.Said()) > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Hello to you too.", mouth.Said()[0])

	require.Eventually(t, func() bool {
		for _, l := range sink.Levels() {
			if l == bus.Instant {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	assert.True(t, sink.closed)
}

func TestRawSubscriptionSeesPipeline(t *testing.T) {
	p := newPsyche(t, &tapeMouth{}, nil)
	raw := p.SubscribeRaw()
	stop := start(t, p)
	defer stop()

	p.FeedFace(types.FaceInfo{Names: []string{"Ada"}, Count: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	seen := map[bus.Topic]bool{}
	for !seen[bus.Instant] {
		p.Kick()
		env, err := raw.Recv(ctx)
		require.NoError(t, err)
		seen[env.Topic] = true
	}
	assert.True(t, seen[bus.FaceInfo])
}

func TestDebugToggleAndStats(t *testing.T) {
	p := newPsyche(t, &tapeMouth{}, nil)
	reports := p.Debug().Listen()
	p.Debug().Enable(wit.QuickName)
	stop := start(t, p)
	defer stop()

	p.Feed(types.NewSensation(types.KindHeard, "hello"))
	p.Kick()
	select {
	case r := <-reports:
		assert.Equal(t, wit.QuickName, r.Name)
		assert.Contains(t, r.Prompt, "hello")
	case <-time.After(3 * time.Second):
		t.Fatal("expected a Quick report")
	}

	stats := p.Stats()
	require.Len(t, stats, 6)
	assert.Equal(t, wit.QuickName, stats[0].Name)
	assert.Equal(t, wit.WillName, stats[5].Name)
	require.Eventually(t, func() bool {
		return p.Stats()[0].Ticks["emitted"] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleListsStagesAndHeartbeat(t *testing.T) {
	p := newPsyche(t, &tapeMouth{}, nil)
	names := map[string]bool{}
	for _, e := range p.Schedule() {
		names[e.Name] = true
	}
	for _, want := range []string{"Quick", "Moment", "Situation", "Episode", "Identity", "Will", "heartbeat"} {
		assert.True(t, names[want], want)
	}
	require.NoError(t, p.Close())
}

func TestBreakEpisodeReachesEpisodeStage(t *testing.T) {
	p := newPsyche(t, &tapeMouth{}, nil)
	episodes := bus.Subscribe(p.Bus(), types.EpisodeTopic)
	stop := start(t, p)
	defer stop()

	bus.Publish(p.Bus(), types.SituationTopic, types.Situation{ID: types.NewImpressionID(), Headline: "at the park"})
	require.Eventually(t, func() bool {
		return p.Stats()[3].Buffered == 1
	}, 2*time.Second, 10*time.Millisecond)
	p.BreakEpisode()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ep, err := episodes.Recv(ctx)
	require.NoError(t, err)
	assert.Len(t, ep.Raw, 1)
}
