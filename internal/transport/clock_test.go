package transport

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/beatclock-go/internal/notation"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClock(t *testing.T, opts ...Option) *Clock {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	c, err := New(notation.Tempo{BPM: 120, Meter: notation.CommonTime()}, opts...)
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	return c
}

func TestNewRejectsInvalidTempo(t *testing.T) {
	_, err := New(notation.Tempo{BPM: 0, Meter: notation.CommonTime()})
	if !errors.Is(err, notation.ErrInvalidTempo) {
		t.Fatalf("expected ErrInvalidTempo, got %v", err)
	}
}

func TestQuarterNoteLoopFiresOnTheBeat(t *testing.T) {
	c := newTestClock(t)
	var times []float64
	c.ScheduleLoop(notation.MustParse("4n"), notation.Origin, func(at float64) {
		times = append(times, at)
	})
	c.Start()
	c.AdvanceSeconds(2)
	want := []float64{0, 0.5, 1.0, 1.5}
	if len(times) != len(want) {
		t.Fatalf("fired %d times (%v), want %d", len(times), times, len(want))
	}
	for i := range want {
		if times[i] != want[i] {
			t.Fatalf("firing %d at %v, want %v", i, times[i], want[i])
		}
	}
}

func TestSmallBuffersMatchOneLargeAdvance(t *testing.T) {
	collect := func(step int) []float64 {
		c := newTestClock(t)
		var times []float64
		c.ScheduleLoop(notation.MustParse("16t"), notation.Origin, func(at float64) {
			times = append(times, at)
		})
		c.Start()
		total := 48000 * 3
		for done := 0; done < total; done += step {
			c.Advance(step)
		}
		return times
	}
	whole := collect(48000 * 3)
	chunked := collect(480)
	if len(whole) != len(chunked) {
		t.Fatalf("firing counts differ: %d vs %d", len(whole), len(chunked))
	}
	for i := range whole {
		if whole[i] != chunked[i] {
			t.Fatalf("firing %d: %v vs %v", i, whole[i], chunked[i])
		}
	}
}

func TestEqualTimesFireInRegistrationOrder(t *testing.T) {
	for run := 0; run < 25; run++ {
		c := newTestClock(t)
		var order []string
		for _, name := range []string{"A", "B", "C"} {
			name := name
			c.ScheduleAt(0.25, func(float64) { order = append(order, name) })
		}
		c.Start()
		c.AdvanceSeconds(1)
		if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
			t.Fatalf("run %d: order %v", run, order)
		}
	}
}

func TestEarlierEntriesFireFirst(t *testing.T) {
	c := newTestClock(t)
	var order []float64
	for _, at := range []float64{0.75, 0.1, 0.5, 0.3} {
		c.ScheduleAt(at, func(at float64) { order = append(order, at) })
	}
	c.Start()
	c.AdvanceSeconds(1)
	for i := 1; i < len(order); i++ {
		if order[i-1] > order[i] {
			t.Fatalf("out of order: %v", order)
		}
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 firings, got %v", order)
	}
}

func TestRepeatingEntryEndsAtSpanBoundary(t *testing.T) {
	c := newTestClock(t)
	var times []float64
	// 4n at 120 bpm is 0.5s; three beats bound it to 0, 0.5 and 1.0
	c.ScheduleRepeating(notation.MustParse("4n"), notation.Origin, notation.MustParse("0:3"), func(at float64) {
		times = append(times, at)
	})
	c.Start()
	c.AdvanceSeconds(10)
	if len(times) != 3 || times[0] != 0 || times[1] != 0.5 || times[2] != 1.0 {
		t.Fatalf("unexpected firings %v", times)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected the finished entry to be dropped, %d pending", c.Pending())
	}
}

func TestRepeatCountHoldsAtEveryTempo(t *testing.T) {
	cases := []struct {
		interval, span string
		want           int
	}{
		{"16n", "1m", 16},
		{"8t", "1m", 12},
		{"16t", "1m", 24},
		{"8n.", "0:3", 4},
		{"32n", "2m", 64},
	}
	for bpm := 40; bpm <= 240; bpm++ {
		for _, tc := range cases {
			c, err := New(notation.Tempo{BPM: float64(bpm), Meter: notation.CommonTime()}, WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("new clock: %v", err)
			}
			fired := 0
			c.ScheduleRepeating(notation.MustParse(tc.interval), notation.Origin, notation.MustParse(tc.span), func(float64) {
				fired++
			})
			c.Start()
			c.AdvanceSeconds(20)
			if fired != tc.want {
				t.Fatalf("bpm %d, %s over %s: fired %d, want %d", bpm, tc.interval, tc.span, fired, tc.want)
			}
		}
	}
}

func TestStopInsideCallbackSuppressesLaterEntries(t *testing.T) {
	c := newTestClock(t)
	fired := map[string]int{}
	c.ScheduleAt(0.25, func(float64) {
		fired["A"]++
		c.Stop()
	})
	c.ScheduleAt(0.25, func(float64) { fired["B"]++ })
	c.ScheduleAt(0.3, func(float64) { fired["C"]++ })
	c.Start()
	c.AdvanceSeconds(1)
	if fired["A"] != 1 || fired["B"] != 0 || fired["C"] != 0 {
		t.Fatalf("unexpected firings %v", fired)
	}
	if c.State() != Stopped || c.Now() != 0 {
		t.Fatalf("expected stopped at 0, got %v at %v", c.State(), c.Now())
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	var failures []CallbackError
	c := newTestClock(t, WithFailureHandler(func(ce CallbackError) {
		failures = append(failures, ce)
	}))
	var sibling []float64
	c.ScheduleLoop(notation.MustParse("4n"), notation.Origin, func(float64) {
		panic("instrument exploded")
	})
	c.ScheduleLoop(notation.MustParse("4n"), notation.Origin, func(at float64) {
		sibling = append(sibling, at)
	})
	c.Start()
	c.AdvanceSeconds(1)
	if len(sibling) != 2 {
		t.Fatalf("sibling fired %d times, want 2", len(sibling))
	}
	if len(failures) != 2 || c.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d (%d)", len(failures), c.Failures())
	}
	if failures[1].At != 0.5 || failures[0].Value != "instrument exploded" {
		t.Fatalf("unexpected failure record %+v", failures)
	}
	if c.State() != Running {
		t.Fatalf("failure must not stop the transport")
	}
}

func TestStartStopToggle(t *testing.T) {
	c := newTestClock(t)
	resets := 0
	c.Attach(func() { resets++ })

	c.Stop()
	if resets != 0 {
		t.Fatalf("stopping a stopped clock must be a no-op")
	}
	if got := c.Toggle(); got != Running {
		t.Fatalf("toggle from stopped = %v", got)
	}
	c.Start()
	c.ScheduleAt(5, func(float64) {})
	c.AdvanceSeconds(1.25)
	if c.Now() != 1.25 {
		t.Fatalf("now = %v, want 1.25", c.Now())
	}
	if got := c.Toggle(); got != Stopped {
		t.Fatalf("toggle from running = %v", got)
	}
	if c.Now() != 0 || c.Pending() != 0 || resets != 1 {
		t.Fatalf("stop left now=%v pending=%d resets=%d", c.Now(), c.Pending(), resets)
	}
	c.AdvanceSeconds(1)
	if c.Now() != 0 {
		t.Fatalf("stopped clock advanced to %v", c.Now())
	}
}

func TestTempoChangesRejectedWhileRunning(t *testing.T) {
	c := newTestClock(t)
	c.Start()
	if err := c.SetBPM(90); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if err := c.SetMeter(notation.Meter{BeatsPerBar: 3, BeatUnit: 4}); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	c.Stop()
	if err := c.SetBPM(-1); !errors.Is(err, notation.ErrInvalidTempo) {
		t.Fatalf("expected ErrInvalidTempo, got %v", err)
	}
	if err := c.SetBPM(60); err != nil {
		t.Fatalf("set bpm: %v", err)
	}
	if got := c.Resolve(notation.MustParse("4n")); got != 1 {
		t.Fatalf("quarter at 60 bpm = %v", got)
	}
}

func TestRegistrationBehindTransportKeepsGridPhase(t *testing.T) {
	c := newTestClock(t)
	c.Start()
	c.AdvanceSeconds(1.2)
	var times []float64
	c.ScheduleLoop(notation.MustParse("4n"), notation.Origin, func(at float64) {
		times = append(times, at)
	})
	c.AdvanceSeconds(0.8)
	// 2.0 is the end of the window and belongs to the next tick
	if len(times) != 1 || times[0] != 1.5 {
		t.Fatalf("unexpected firings %v", times)
	}
}

func TestCancelOwnerOnlyRemovesOwnEntries(t *testing.T) {
	c := newTestClock(t)
	a := c.Attach(nil)
	b := c.Attach(nil)
	fired := map[Owner]int{}
	for _, o := range []Owner{a, b} {
		o := o
		c.Register(Registration{Owner: o, At: 0, Interval: 0.25, Callback: func(float64) { fired[o]++ }})
	}
	c.Start()
	c.AdvanceSeconds(0.5)
	if n := c.CancelOwner(a); n != 1 {
		t.Fatalf("cancelled %d entries, want 1", n)
	}
	c.AdvanceSeconds(0.5)
	if fired[a] != 2 || fired[b] != 4 {
		t.Fatalf("unexpected firings %v", fired)
	}
}

func TestDriftMeasuresHostLag(t *testing.T) {
	wall := time.Unix(1000, 0)
	c := newTestClock(t, WithWallClock(func() time.Time { return wall }))
	if c.Drift() != 0 {
		t.Fatalf("stopped clock reports drift")
	}
	c.Start()
	wall = wall.Add(1500 * time.Millisecond)
	c.AdvanceSeconds(1)
	if got := c.Drift(); got != 500*time.Millisecond {
		t.Fatalf("drift = %v, want 500ms", got)
	}
}
