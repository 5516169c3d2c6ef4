package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/scheduler"
	"github.com/user/psyche/internal/types"
)

func TestHeartbeatPublishesSensation(t *testing.T) {
	b := bus.New(8)
	sub := bus.Subscribe(b, types.SensationTopic)
	hb := NewHeartbeat(b)
	hb.now = func() time.Time { return time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC) }

	hb.Beat()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := sub.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.What.Kind != types.KindHeartbeat {
		t.Errorf("expected heartbeat kind, got %q", s.What.Kind)
	}
	if want := "Time passes. It is 09:30 on Monday, March 4."; s.What.Text != want {
		t.Errorf("got %q, want %q", s.What.Text, want)
	}
	if hb.Beats() != 1 {
		t.Errorf("expected 1 beat, got %d", hb.Beats())
	}
}

func TestHeartbeatOnSchedule(t *testing.T) {
	b := bus.New(8)
	hb := NewHeartbeat(b)
	sched := scheduler.New()
	if err := sched.Add(scheduler.Job{Name: "heartbeat", Schedule: "* * * * * *", Fn: hb.Beat}); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2500 * time.Millisecond)
	for hb.Beats() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
