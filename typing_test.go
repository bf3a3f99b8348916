package inbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTypingNames(t *testing.T) {
	members := []PresenceMember{
		{ParticipantID: "a1", Name: "Ana", IsTyping: true},
		{ParticipantID: "a2", Name: "Ana", IsTyping: true},
		{ParticipantID: "c1", IsTyping: true},
		{ParticipantID: "me", Name: "Me", IsTyping: true},
		{ParticipantID: "b1", Name: "Bo"},
	}
	got := typingNames(members, "me")
	if fmt.Sprint(got) != "[Ana c1]" {
		t.Fatalf("expected [Ana c1], got %v", got)
	}
	if got := typingNames(nil, ""); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
}

func TestTypingCoordinator_ThrottleAndStop(t *testing.T) {
	ctx := context.Background()
	side := newPresenceSide(t, NewSimulatedBroker(), "42")
	metrics := NewMetrics(prometheus.NewRegistry())
	typing := NewTypingCoordinator(side.tracker, 2, 200*time.Millisecond, testLogger(), metrics)

	if err := side.tracker.Track(ctx, side.ch); err != nil {
		t.Fatalf("Track: %v", err)
	}
	side.tracker.Enter(ctx, side.ch, PresenceData{UserID: "a1", Name: "Ana"})

	for i := 0; i < 5; i++ {
		if err := typing.NotifyTyping(ctx, side.ch, "a1", "Ana"); err != nil {
			t.Fatalf("NotifyTyping: %v", err)
		}
	}
	if n := testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("start")); n != 1 {
		t.Fatalf("expected one start signal for a burst, got %v", n)
	}
	waitFor(t, time.Second, "typing visible", func() bool {
		return fmt.Sprint(typing.TypingUsers("42", "")) == "[Ana]"
	})

	waitFor(t, time.Second, "stop signal", func() bool {
		return testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("stop")) == 1
	})
	waitFor(t, time.Second, "typing cleared", func() bool {
		return len(typing.TypingUsers("42", "")) == 0
	})

	members := side.tracker.Members("42")
	if len(members) != 1 || members[0].Name != "Ana" {
		t.Fatalf("expected typing updates to keep the entered data, got %+v", members)
	}
}

func TestTypingCoordinator_StopTypingFlushes(t *testing.T) {
	ctx := context.Background()
	side := newPresenceSide(t, NewSimulatedBroker(), "42")
	metrics := NewMetrics(prometheus.NewRegistry())
	typing := NewTypingCoordinator(side.tracker, 2, time.Hour, testLogger(), metrics)

	typing.NotifyTyping(ctx, side.ch, "a1", "Ana")
	typing.StopTyping(ctx, side.ch, "a1")
	if n := testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("stop")); n != 1 {
		t.Fatalf("expected stop on flush, got %v", n)
	}
	typing.StopTyping(ctx, side.ch, "a1")
	if n := testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("stop")); n != 1 {
		t.Fatalf("expected no second stop, got %v", n)
	}

	typing.NotifyTyping(ctx, side.ch, "a1", "Ana")
	typing.Forget("conversation:42")
	typing.StopTyping(ctx, side.ch, "a1")
	if n := testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("stop")); n != 1 {
		t.Fatalf("expected Forget to drop the pending stop, got %v", n)
	}
}

func TestTypingCoordinator_TypingAgainAfterStop(t *testing.T) {
	ctx := context.Background()
	side := newPresenceSide(t, NewSimulatedBroker(), "42")
	metrics := NewMetrics(prometheus.NewRegistry())
	typing := NewTypingCoordinator(side.tracker, 2, time.Hour, testLogger(), metrics)
	starts := func() float64 { return testutil.ToFloat64(metrics.TypingPublishes.WithLabelValues("start")) }

	typing.NotifyTyping(ctx, side.ch, "a1", "Ana")
	typing.StopTyping(ctx, side.ch, "a1")
	typing.NotifyTyping(ctx, side.ch, "a1", "Ana")
	if n := starts(); n != 2 {
		t.Fatalf("expected a keystroke right after a stop to announce typing, got %v starts", n)
	}

	typing.NotifyTyping(ctx, side.ch, "a1", "Ana")
	if n := starts(); n != 2 {
		t.Fatalf("expected the throttle to hold without a stop, got %v starts", n)
	}
}
