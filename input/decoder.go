// Package input turns raw button samples into click gestures.
//
// A single pin has to carry four gestures (1/2/3 clicks and a long hold),
// so short releases are held pending until the multi-click window closes.
// That costs a fixed half-second of latency on a lone click but makes the
// classification unambiguous.
package input

import "time"

// Event is a classified button gesture. Each event is reported exactly
// once and never persisted.
type Event int

const (
	None Event = iota
	ShortPress
	DoublePress
	TriplePress
	LongPress
)

func (e Event) String() string {
	switch e {
	case ShortPress:
		return "short"
	case DoublePress:
		return "double"
	case TriplePress:
		return "triple"
	case LongPress:
		return "long"
	default:
		return "none"
	}
}

// Timing defaults, matching the hardware button feel.
const (
	// PollInterval is the cadence the controller samples the pin at.
	PollInterval = 20 * time.Millisecond
	// DebounceMin is the shortest release counted as a click.
	DebounceMin = 50 * time.Millisecond
	// LongPressAfter fires LongPress while the pin is still held.
	LongPressAfter = 2 * time.Second
	// ClickWindow is the maximum gap between clicks of one gesture.
	ClickWindow = 500 * time.Millisecond
)

// Decoder tracks one button. Zero press-start time means "not pressed".
type Decoder struct {
	debounceMin time.Duration
	longPress   time.Duration
	clickWindow time.Duration

	pressStart time.Time
	lastClick  time.Time
	clicks     int
	longFired  bool
}

// NewDecoder returns a decoder with the default timing.
func NewDecoder() *Decoder {
	return &Decoder{
		debounceMin: DebounceMin,
		longPress:   LongPressAfter,
		clickWindow: ClickWindow,
	}
}

// Sample feeds one pin reading taken at time now and returns the gesture
// finalized by it, if any.
func (d *Decoder) Sample(pressed bool, now time.Time) Event {
	if pressed {
		return d.samplePressed(now)
	}
	return d.sampleReleased(now)
}

func (d *Decoder) samplePressed(now time.Time) Event {
	if d.pressStart.IsZero() {
		d.pressStart = now
		return None
	}
	if d.longFired {
		return None
	}
	if now.Sub(d.pressStart) >= d.longPress {
		// Fires while still held; a long hold also cancels whatever
		// click sequence was pending.
		d.longFired = true
		d.clicks = 0
		d.lastClick = time.Time{}
		return LongPress
	}
	return None
}

func (d *Decoder) sampleReleased(now time.Time) Event {
	if !d.pressStart.IsZero() {
		pressedAt := d.pressStart
		held := now.Sub(pressedAt)
		d.pressStart = time.Time{}

		if d.longFired {
			d.longFired = false
			return None
		}
		if held < d.debounceMin || held >= d.longPress {
			return None
		}

		// A short click. The window is measured against when this press
		// began, so a release drifting past the window cannot break up a
		// sequence whose press landed inside it.
		if !d.lastClick.IsZero() && pressedAt.Sub(d.lastClick) < d.clickWindow {
			d.clicks++
			if d.clicks >= 3 {
				d.clicks = 0
				d.lastClick = time.Time{}
				return TriplePress
			}
			// clicks == 2: tentatively a double, held back in case a
			// third click follows.
			d.lastClick = now
			return None
		}
		d.clicks = 1
		d.lastClick = now
		return None
	}

	// Idle: finalize a pending sequence once the window has elapsed.
	if !d.lastClick.IsZero() && now.Sub(d.lastClick) >= d.clickWindow {
		n := d.clicks
		d.clicks = 0
		d.lastClick = time.Time{}
		switch n {
		case 1:
			return ShortPress
		case 2:
			return DoublePress
		}
	}
	return None
}
