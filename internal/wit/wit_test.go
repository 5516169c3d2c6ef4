package wit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedFollower records prompts and answers from a function.
type scriptedFollower struct {
	mu      sync.Mutex
	prompts []string
	answer  func(prompt string) (string, error)
}

func (s *scriptedFollower) Follow(ctx context.Context, instr llm.Instruction) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, instr.Prompt)
	s.mu.Unlock()
	if s.answer == nil {
		return "summary", nil
	}
	return s.answer(instr.Prompt)
}

func (s *scriptedFollower) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func replying(text string) *scriptedFollower {
	return &scriptedFollower{answer: func(string) (string, error) { return text, nil }}
}

func instant(headline string) types.Instant {
	return types.Instant{ID: types.NewImpressionID(), Headline: headline, At: time.Now()}
}

func situation(headline string) types.Situation {
	return types.Situation{ID: types.NewImpressionID(), Headline: headline, At: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runStage starts w.Run and returns a function that stops it and waits.
func runStage(t *testing.T, w Stage) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run returned %v", err)
		}
	}
}

func TestTickBelowThresholdKeepsBuffer(t *testing.T) {
	for k := 0; k < MomentThreshold; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			f := replying("never")
			w := NewMoment(bus.New(16), f, Options{Agent: "Pete"})
			for i := 0; i < k; i++ {
				w.Observe(instant(fmt.Sprintf("i%d", i)))
			}

			imp, outcome := w.Tick(context.Background())
			if imp != nil || outcome != BelowThreshold {
				t.Fatalf("expected no emission, got %v %v", imp, outcome)
			}
			buffered := w.Buffered()
			if len(buffered) != k {
				t.Fatalf("expected %d buffered items, got %d", k, len(buffered))
			}
			for i, item := range buffered {
				if item.Headline != fmt.Sprintf("i%d", i) {
					t.Errorf("item %d out of order: %s", i, item.Headline)
				}
			}
			if len(f.Prompts()) != 0 {
				t.Error("follower must not be called below threshold")
			}
		})
	}
}

func TestMomentSummarizesThreeInstants(t *testing.T) {
	b := bus.New(16)
	f := replying("A greeting\nSomeone said hello three times.")
	w := NewMoment(b, f, Options{Agent: "Pete"})
	out := bus.Subscribe(b, types.MomentTopic)
	stop := runStage(t, w)
	defer stop()

	for _, h := range []string{"i0", "i1", "i2"} {
		bus.Publish(b, types.InstantTopic, instant(h))
	}
	waitFor(t, func() bool { return len(w.Buffered()) == 3 })

	imp, outcome := w.Tick(context.Background())
	if outcome != Emitted || imp == nil {
		t.Fatalf("expected emission, got %v", outcome)
	}
	if imp.Headline != "A greeting" || imp.Details != "Someone said hello three times." {
		t.Errorf("unexpected impression: %+v", imp)
	}
	if len(imp.Raw) != 3 {
		t.Errorf("expected 3 raw items, got %d", len(imp.Raw))
	}
	prompt := f.Prompts()[0]
	for _, h := range []string{"i0", "i1", "i2"} {
		if !strings.Contains(prompt, h) {
			t.Errorf("prompt missing %s: %s", h, prompt)
		}
	}
	if n := len(w.Buffered()); n != 0 {
		t.Errorf("expected empty buffer, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := out.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != imp.ID {
		t.Errorf("published impression differs from returned one")
	}

	short, shortCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer shortCancel()
	if _, err := out.Recv(short); err == nil {
		t.Error("expected exactly one moment published")
	}
}

func TestTickFailureKeepsBufferForRetry(t *testing.T) {
	fail := true
	f := &scriptedFollower{answer: func(string) (string, error) {
		if fail {
			return "", errors.New("backend down")
		}
		return "recovered", nil
	}}
	w := NewMoment(bus.New(16), f, Options{})
	for i := 0; i < 3; i++ {
		w.Observe(instant(fmt.Sprintf("i%d", i)))
	}

	if _, outcome := w.Tick(context.Background()); outcome != Failed {
		t.Fatalf("expected Failed, got %v", outcome)
	}
	if n := len(w.Buffered()); n != 3 {
		t.Fatalf("expected buffer untouched, got %d", n)
	}

	fail = false
	imp, outcome := w.Tick(context.Background())
	if outcome != Emitted || imp.Headline != "recovered" {
		t.Fatalf("expected recovery emission, got %v", outcome)
	}
	if w.Stats().Ticks["failed"] != 1 || w.Stats().Ticks["emitted"] != 1 {
		t.Errorf("unexpected stats: %+v", w.Stats())
	}
}

func TestTickPanicIsIsolated(t *testing.T) {
	f := &scriptedFollower{answer: func(string) (string, error) { panic("boom") }}
	w := NewQuick(bus.New(16), f, Options{})
	w.Observe(types.NewSensation(types.KindHeard, "hi"))

	imp, outcome := w.Tick(context.Background())
	if imp != nil || outcome != Failed {
		t.Fatalf("expected Failed, got %v", outcome)
	}
	if len(w.Buffered()) != 1 {
		t.Error("expected buffer untouched after panic")
	}
}

func TestTickEmptyResultIsDistinct(t *testing.T) {
	w := NewQuick(bus.New(16), replying("   \n"), Options{})
	w.Observe(types.NewSensation(types.KindHeard, "hi"))

	if _, outcome := w.Tick(context.Background()); outcome != EmptyResult {
		t.Fatalf("expected EmptyResult, got %v", outcome)
	}
	if len(w.Buffered()) != 1 {
		t.Error("expected buffer untouched after empty result")
	}
}

func TestQuickEmptyBufferEmitsNothing(t *testing.T) {
	f := replying("anything")
	w := NewQuick(bus.New(16), f, Options{})
	if imp, outcome := w.Tick(context.Background()); imp != nil || outcome != BelowThreshold {
		t.Fatalf("expected nothing, got %v", outcome)
	}
	if len(f.Prompts()) != 0 {
		t.Error("follower called on empty buffer")
	}
}

func TestQuickObservesFaces(t *testing.T) {
	b := bus.New(16)
	w := NewQuick(b, replying("I see Ada"), Options{Agent: "Pete"})
	stop := runStage(t, w)
	defer stop()

	bus.Publish(b, types.FaceInfoTopic, types.FaceInfo{Names: []string{"Ada"}, Count: 1})
	waitFor(t, func() bool { return len(w.Buffered()) == 1 })

	got := w.Buffered()[0]
	if got.What.Kind != types.KindVision || got.What.Text != "I see Ada." {
		t.Errorf("unexpected sensation: %+v", got.What)
	}
}

func TestQuickAttachesImages(t *testing.T) {
	var images [][]byte
	f := llm.FollowerFunc(func(ctx context.Context, instr llm.Instruction) (string, error) {
		images = instr.Images
		return "a picture", nil
	})
	w := NewQuick(bus.New(16), f, Options{})
	s := types.NewSensation(types.KindVision, "camera frame")
	s.What.Image = []byte{1, 2, 3}
	w.Observe(s)
	w.Observe(types.NewSensation(types.KindHeard, "no picture"))

	if _, outcome := w.Tick(context.Background()); outcome != Emitted {
		t.Fatalf("expected emission, got %v", outcome)
	}
	if len(images) != 1 {
		t.Errorf("expected one image attached, got %d", len(images))
	}
}

func TestEpisodeBreakEmitsWithOneItem(t *testing.T) {
	f := replying("A short episode")
	w := NewEpisode(bus.New(16), f, Options{})
	w.Observe(situation("only one"))

	w.Break()
	imp, outcome := w.Tick(context.Background())
	if outcome != Emitted || imp == nil {
		t.Fatalf("expected emission on break, got %v", outcome)
	}
	if w.BreakPending() {
		t.Error("break flag must reset after use")
	}

	w.Observe(situation("another"))
	if imp, outcome := w.Tick(context.Background()); imp != nil || outcome != BelowThreshold {
		t.Fatalf("break must be one-shot, got %v", outcome)
	}
	if len(w.Buffered()) != 1 {
		t.Error("expected the new situation still buffered")
	}
}

func TestEpisodeBreakSurvivesFailure(t *testing.T) {
	fail := true
	f := &scriptedFollower{answer: func(string) (string, error) {
		if fail {
			return "", errors.New("timeout")
		}
		return "closed", nil
	}}
	w := NewEpisode(bus.New(16), f, Options{})
	w.Observe(situation("s"))
	w.Break()

	if _, outcome := w.Tick(context.Background()); outcome != Failed {
		t.Fatalf("expected Failed, got %v", outcome)
	}
	if !w.BreakPending() {
		t.Fatal("break must stay armed for the retry")
	}
	fail = false
	if _, outcome := w.Tick(context.Background()); outcome != Emitted {
		t.Fatalf("expected retry to emit, got %v", outcome)
	}
}

func TestEpisodeBreakFromInstructionTopic(t *testing.T) {
	b := bus.New(16)
	w := NewEpisode(b, replying("Goodbye"), Options{})
	out := bus.Subscribe(b, types.EpisodeTopic)
	stop := runStage(t, w)
	defer stop()

	bus.Publish(b, types.SituationTopic, situation("a farewell"))
	waitFor(t, func() bool { return len(w.Buffered()) == 1 })
	bus.Publish(b, types.InstructionTopic, types.Instruction{Kind: types.InstructionSay, Body: "ignored"})
	bus.Publish(b, types.InstructionTopic, types.Instruction{Kind: types.InstructionBreakEpisode})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ep, err := out.Recv(ctx)
	if err != nil {
		t.Fatalf("expected episode after break: %v", err)
	}
	if ep.Headline != "Goodbye" || len(ep.Raw) != 1 {
		t.Errorf("unexpected episode: %+v", ep)
	}
}

func TestNonBreakableIgnoresBreak(t *testing.T) {
	w := NewMoment(bus.New(16), replying("x"), Options{})
	w.Observe(instant("i0"))
	w.Break()
	if _, outcome := w.Tick(context.Background()); outcome != BelowThreshold {
		t.Fatalf("expected BelowThreshold, got %v", outcome)
	}
}

func TestSituationContinuity(t *testing.T) {
	f := &scriptedFollower{}
	calls := 0
	f.answer = func(string) (string, error) {
		calls++
		return fmt.Sprintf("Situation %d\nDetails of situation %d.", calls, calls), nil
	}
	w := NewSituation(bus.New(16), f, Options{Agent: "Pete"})
	moment := func(h string) types.Moment { return types.Moment{Headline: h, At: time.Now()} }

	for i := 0; i < 3; i++ {
		w.Observe(moment(fmt.Sprintf("m%d", i)))
	}
	if _, outcome := w.Tick(context.Background()); outcome != Emitted {
		t.Fatalf("first tick: %v", outcome)
	}
	first := f.Prompts()[0]
	if !strings.Contains(first, "Previous situation:\n\nNew moments") {
		t.Errorf("expected an empty previous-situation field, got:\n%s", first)
	}

	for i := 3; i < 6; i++ {
		w.Observe(moment(fmt.Sprintf("m%d", i)))
	}
	if _, outcome := w.Tick(context.Background()); outcome != Emitted {
		t.Fatalf("second tick: %v", outcome)
	}
	second := f.Prompts()[1]
	if !strings.Contains(second, "Situation 1\nDetails of situation 1.") {
		t.Errorf("expected prior summary verbatim, got:\n%s", second)
	}
	if w.Last() != "Situation 2\nDetails of situation 2." {
		t.Errorf("unexpected last summary %q", w.Last())
	}
}

func TestSituationLastUnchangedOnFailure(t *testing.T) {
	ok := true
	f := &scriptedFollower{answer: func(string) (string, error) {
		if ok {
			return "kept", nil
		}
		return "", errors.New("unavailable")
	}}
	w := NewSituation(bus.New(16), f, Options{Threshold: 1})
	w.Observe(types.Moment{Headline: "m"})
	w.Tick(context.Background())

	ok = false
	w.Observe(types.Moment{Headline: "m2"})
	w.Tick(context.Background())
	if w.Last() != "kept" {
		t.Errorf("expected last summary kept, got %q", w.Last())
	}
}

func TestIdentityAccretesNarrative(t *testing.T) {
	f := &scriptedFollower{}
	n := 0
	f.answer = func(string) (string, error) {
		n++
		return fmt.Sprintf("chapter %d", n), nil
	}
	w := NewIdentity(bus.New(16), f, Options{Agent: "Pete"}, &llm.Budget{}, 512)

	w.Observe(types.Episode{Headline: "e1"})
	w.Tick(context.Background())
	w.Observe(types.Episode{Headline: "e2"})
	w.Tick(context.Background())

	prompts := f.Prompts()
	if !strings.Contains(prompts[0], "(none yet)") {
		t.Errorf("expected empty story marker in first prompt:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[1], "chapter 1") {
		t.Errorf("expected previous narrative in second prompt:\n%s", prompts[1])
	}
}

func TestObservedDuringTickIsKept(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	f := llm.FollowerFunc(func(ctx context.Context, instr llm.Instruction) (string, error) {
		close(entered)
		<-release
		return "done", nil
	})
	w := NewMoment(bus.New(16), f, Options{})
	for i := 0; i < 3; i++ {
		w.Observe(instant(fmt.Sprintf("i%d", i)))
	}

	result := make(chan Outcome, 1)
	go func() {
		_, outcome := w.Tick(context.Background())
		result <- outcome
	}()
	<-entered
	w.Observe(instant("late"))
	if _, outcome := w.Tick(context.Background()); outcome != Busy {
		t.Errorf("expected concurrent tick to report Busy, got %v", outcome)
	}
	close(release)

	if outcome := <-result; outcome != Emitted {
		t.Fatalf("expected emission, got %v", outcome)
	}
	buffered := w.Buffered()
	if len(buffered) != 1 || buffered[0].Headline != "late" {
		t.Errorf("expected only the late item left, got %+v", buffered)
	}
}

func TestDebugReportOnlyWhenEnabled(t *testing.T) {
	b := bus.New(16)
	reg := debug.NewRegistry()
	reports := reg.Listen()
	w := NewMoment(b, replying("a moment"), Options{Debug: reg})
	out := bus.Subscribe(b, types.MomentTopic)

	for i := 0; i < 3; i++ {
		w.Observe(instant(fmt.Sprintf("i%d", i)))
	}
	if _, outcome := w.Tick(context.Background()); outcome != Emitted {
		t.Fatalf("expected emission, got %v", outcome)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := out.Recv(ctx); err != nil {
		t.Fatalf("impression must still be published: %v", err)
	}
	select {
	case r := <-reports:
		t.Fatalf("unexpected report while disabled: %+v", r)
	default:
	}

	reg.Enable(MomentName)
	for i := 0; i < 3; i++ {
		w.Observe(instant(fmt.Sprintf("j%d", i)))
	}
	w.Tick(context.Background())
	select {
	case r := <-reports:
		if r.Name != MomentName || r.Output != "a moment" || !strings.Contains(r.Prompt, "j0") {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a report once enabled")
	}
}

func TestRunTicksOnKick(t *testing.T) {
	b := bus.New(16)
	w := NewQuick(b, replying("kicked"), Options{})
	out := bus.Subscribe(b, types.InstantTopic)
	stop := runStage(t, w)
	defer stop()

	bus.Publish(b, types.SensationTopic, types.NewSensation(types.KindHeard, "hello"))
	waitFor(t, func() bool { return len(w.Buffered()) == 1 })
	w.Kick()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := out.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Headline != "kicked" {
		t.Errorf("unexpected instant %q", got.Headline)
	}
}
