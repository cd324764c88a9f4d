package input

import (
	"testing"
	"time"
)

// step is one simulated poll sample: the pin level and the time offset
// from the start of the script.
type step struct {
	at      time.Duration
	pressed bool
}

// run feeds a script through a fresh decoder and returns every non-None
// event with its offset.
func run(t *testing.T, steps []step) []Event {
	t.Helper()
	d := NewDecoder()
	base := time.Unix(1000, 0)

	var events []Event
	for _, s := range steps {
		if ev := d.Sample(s.pressed, base.Add(s.at)); ev != None {
			events = append(events, ev)
		}
	}
	return events
}

// click produces the press/release samples for a short click starting at
// the given offset, holding for 100ms.
func click(at time.Duration) []step {
	return []step{
		{at, true},
		{at + 20*time.Millisecond, true},
		{at + 100*time.Millisecond, false},
	}
}

// idle produces release samples every 20ms across the given span.
func idle(from, until time.Duration) []step {
	var steps []step
	for at := from; at <= until; at += 20 * time.Millisecond {
		steps = append(steps, step{at, false})
	}
	return steps
}

func TestSingleClick(t *testing.T) {
	var script []step
	script = append(script, click(0)...)
	script = append(script, idle(120*time.Millisecond, 1200*time.Millisecond)...)

	events := run(t, script)
	if len(events) != 1 || events[0] != ShortPress {
		t.Fatalf("events = %v, want exactly one ShortPress", events)
	}
}

// The lone click must only finalize once the multi-click window has
// elapsed, not on release.
func TestSingleClickNotFinalizedEarly(t *testing.T) {
	d := NewDecoder()
	base := time.Unix(1000, 0)

	d.Sample(true, base)
	ev := d.Sample(false, base.Add(100*time.Millisecond))
	if ev != None {
		t.Fatalf("event on release = %v, want None", ev)
	}
	// Still inside the window.
	ev = d.Sample(false, base.Add(400*time.Millisecond))
	if ev != None {
		t.Fatalf("event inside window = %v, want None", ev)
	}
	// Window elapsed (measured from the release at +100ms).
	ev = d.Sample(false, base.Add(620*time.Millisecond))
	if ev != ShortPress {
		t.Fatalf("event after window = %v, want ShortPress", ev)
	}
}

func TestDoubleClick(t *testing.T) {
	var script []step
	script = append(script, click(0)...)
	script = append(script, click(300*time.Millisecond)...)
	script = append(script, idle(420*time.Millisecond, 1500*time.Millisecond)...)

	events := run(t, script)
	if len(events) != 1 || events[0] != DoublePress {
		t.Fatalf("events = %v, want exactly one DoublePress", events)
	}
}

func TestTripleClickFinalizedImmediately(t *testing.T) {
	var script []step
	script = append(script, click(0)...)
	script = append(script, click(300*time.Millisecond)...)
	script = append(script, click(600*time.Millisecond)...)

	events := run(t, script)
	if len(events) != 1 || events[0] != TriplePress {
		t.Fatalf("events = %v, want exactly one TriplePress", events)
	}

	// And nothing more after the window closes.
	d := NewDecoder()
	base := time.Unix(1000, 0)
	for _, s := range script {
		d.Sample(s.pressed, base.Add(s.at))
	}
	for _, s := range idle(720*time.Millisecond, 2*time.Second) {
		if ev := d.Sample(s.pressed, base.Add(s.at)); ev != None {
			t.Fatalf("trailing event %v after triple click", ev)
		}
	}
}

// A third click whose press lands inside the window must count even when
// its release drifts past the window boundary.
func TestThirdClickReleasedAfterWindow(t *testing.T) {
	d := NewDecoder()
	base := time.Unix(1000, 0)

	d.Sample(true, base)
	d.Sample(false, base.Add(100*time.Millisecond))
	d.Sample(true, base.Add(300*time.Millisecond))
	d.Sample(false, base.Add(400*time.Millisecond))

	// Third press 450ms after the second release, still inside the
	// window; the hold carries the release past it.
	d.Sample(true, base.Add(850*time.Millisecond))
	d.Sample(true, base.Add(900*time.Millisecond))
	ev := d.Sample(false, base.Add(1000*time.Millisecond))
	if ev != TriplePress {
		t.Fatalf("event on late release = %v, want TriplePress", ev)
	}
}

func TestLongPressFiresWhileHeld(t *testing.T) {
	d := NewDecoder()
	base := time.Unix(1000, 0)

	d.Sample(true, base)
	var got Event
	for at := 20 * time.Millisecond; at <= 2100*time.Millisecond; at += 20 * time.Millisecond {
		if ev := d.Sample(true, base.Add(at)); ev != None {
			got = ev
			break
		}
	}
	if got != LongPress {
		t.Fatalf("event while held = %v, want LongPress", got)
	}

	// Continuing to hold emits nothing further, and the release is quiet.
	for at := 2120 * time.Millisecond; at <= 3*time.Second; at += 20 * time.Millisecond {
		if ev := d.Sample(true, base.Add(at)); ev != None {
			t.Fatalf("extra event %v while still held", ev)
		}
	}
	if ev := d.Sample(false, base.Add(3100*time.Millisecond)); ev != None {
		t.Fatalf("event on release after long press = %v, want None", ev)
	}
}

func TestLongPressCancelsPendingClicks(t *testing.T) {
	d := NewDecoder()
	base := time.Unix(1000, 0)

	// One short click, then a hold past the long-press threshold.
	d.Sample(true, base)
	d.Sample(false, base.Add(100*time.Millisecond))
	d.Sample(true, base.Add(200*time.Millisecond))

	var events []Event
	for at := 220 * time.Millisecond; at <= 2400*time.Millisecond; at += 20 * time.Millisecond {
		if ev := d.Sample(true, base.Add(at)); ev != None {
			events = append(events, ev)
		}
	}
	if len(events) != 1 || events[0] != LongPress {
		t.Fatalf("events during hold = %v, want [LongPress]", events)
	}

	// Release and wait out the window: the earlier click must not
	// resurface as a ShortPress.
	d.Sample(false, base.Add(2500*time.Millisecond))
	for at := 2520 * time.Millisecond; at <= 3500*time.Millisecond; at += 20 * time.Millisecond {
		if ev := d.Sample(false, base.Add(at)); ev != None {
			t.Fatalf("stale event %v after long press", ev)
		}
	}
}

func TestBounceRejected(t *testing.T) {
	d := NewDecoder()
	base := time.Unix(1000, 0)

	// 20ms blip, below the 50ms debounce floor.
	d.Sample(true, base)
	if ev := d.Sample(false, base.Add(20*time.Millisecond)); ev != None {
		t.Fatalf("event on bounce release = %v, want None", ev)
	}
	for at := 40 * time.Millisecond; at <= 1200*time.Millisecond; at += 20 * time.Millisecond {
		if ev := d.Sample(false, base.Add(at)); ev != None {
			t.Fatalf("bounce produced event %v", ev)
		}
	}
}
