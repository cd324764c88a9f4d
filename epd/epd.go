// Package epd drives an SSD1683-class bistable e-paper controller (4.2"
// 400x300 panel) over SPI with the usual command/data + busy-pin protocol.
//
// Command sequences follow the vendor init code for the 4.2" V2 panel.
// The fast mode trades ghosting for a much shorter, less flashy refresh
// by overriding the temperature register so the controller picks a faster
// internal waveform.
package epd

import (
	"fmt"
	"image"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/datascale-ai/inksight-device/frame"
)

// Commands
const (
	driverOutputControl   byte = 0x01
	deepSleepMode         byte = 0x10
	dataEntryModeSetting  byte = 0x11
	swReset               byte = 0x12
	tempSensorRegWrite    byte = 0x1A
	masterActivation      byte = 0x20
	displayUpdateControl1 byte = 0x21
	displayUpdateControl2 byte = 0x22
	writeRAMBW            byte = 0x24
	writeRAMRed           byte = 0x26
	borderWaveformControl byte = 0x3C
	setRAMXRange          byte = 0x44
	setRAMYRange          byte = 0x45
	setRAMXCounter        byte = 0x4E
	setRAMYCounter        byte = 0x4F
)

// Activation arguments for displayUpdateControl2.
const (
	updateFull    byte = 0xF7 // full waveform, clears ghosting, visible flash
	updateFast    byte = 0xC7 // skip LUT load, needs the fast init first
	updatePartial byte = 0xFF // partial window only
	loadFastLUT   byte = 0x91 // load temperature + LUT then power down
)

// fastLUTTemp is the temperature override selecting the ~1.5s waveform.
const fastLUTTemp byte = 0x6E

// Mode selects which waveform the next initialization loads.
type Mode uint8

const (
	Full Mode = iota
	Fast
)

// Opts configures the panel geometry and the busy-wait bound.
type Opts struct {
	Width  int
	Height int

	// BusyTimeout bounds the wait on the busy pin. The controller has no
	// error reporting, so an expired wait is logged and treated as done.
	// Zero means the 10s default, sized well above the ~4s worst-case
	// full refresh.
	BusyTimeout time.Duration
}

// EPD4in2v2 is the stock configuration for the 4.2" V2 panel.
var EPD4in2v2 = Opts{Width: 400, Height: 300}

// Dev is the handle used to access the panel.
type Dev struct {
	c conn.Conn

	dc   gpio.PinOut
	cs   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn

	opts Opts
}

// New connects to the panel on the given SPI port. The busy pin is driven
// high by the controller while a refresh is in progress.
func New(p spi.Port, dc, cs, rst gpio.PinOut, busy gpio.PinIn, opts Opts) (*Dev, error) {
	c, err := p.Connect(4*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, err
	}
	if err := busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 || opts.Width%8 != 0 {
		return nil, fmt.Errorf("epd: bad panel size %dx%d", opts.Width, opts.Height)
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 10 * time.Second
	}
	return &Dev{c: c, dc: dc, cs: cs, rst: rst, busy: busy, opts: opts}, nil
}

// Bounds returns the panel extent.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.opts.Width, d.opts.Height)
}

// Init resets the controller and loads the requested waveform. Safe to
// call repeatedly; every call replays the same reset + register sequence.
func (d *Dev) Init(mode Mode) error {
	eh := errorHandler{d: *d}

	reset(&eh)
	if mode == Fast {
		initDisplayFast(&eh, &d.opts)
	} else {
		initDisplay(&eh, &d.opts)
	}
	return eh.err
}

// DisplayFull writes the frame to both RAM planes and runs the full
// refresh waveform. Writing the red plane too stops the controller from
// doing a half-refresh against stale "previous image" data.
func (d *Dev) DisplayFull(fb *frame.Buffer) error {
	if err := d.checkFrame(fb); err != nil {
		return err
	}
	eh := errorHandler{d: *d}

	reset(&eh)
	initDisplay(&eh, &d.opts)
	writeFrame(&eh, fb.Bytes())
	activate(&eh, updateFull)
	return eh.err
}

// DisplayFast writes the frame and runs the reduced-flash waveform loaded
// by the fast init sequence.
func (d *Dev) DisplayFast(fb *frame.Buffer) error {
	if err := d.checkFrame(fb); err != nil {
		return err
	}
	eh := errorHandler{d: *d}

	reset(&eh)
	initDisplayFast(&eh, &d.opts)
	writeFrame(&eh, fb.Bytes())
	activate(&eh, updateFast)
	return eh.err
}

// DisplayPartial updates only rect with the given packed region bytes
// (byte-aligned columns, row-major, as produced by frame.Region). The
// border is pinned so the rest of the panel does not flash.
func (d *Dev) DisplayPartial(data []byte, rect image.Rectangle) error {
	rect = rect.Intersect(d.Bounds())
	if rect.Empty() {
		return fmt.Errorf("epd: partial rect outside panel")
	}
	eh := errorHandler{d: *d}

	writePartial(&eh, data, rect)
	activate(&eh, updatePartial)
	return eh.err
}

// Sleep puts the controller into deep sleep. The panel keeps its image
// but cannot refresh until Init is called again.
func (d *Dev) Sleep() error {
	eh := errorHandler{d: *d}

	eh.sendCommand(deepSleepMode)
	eh.sendByte(0x01)
	eh.sleep(200 * time.Millisecond)
	return eh.err
}

func (d *Dev) checkFrame(fb *frame.Buffer) error {
	if fb.Width() != d.opts.Width || fb.Height() != d.opts.Height {
		return fmt.Errorf("epd: frame %dx%d does not match panel %dx%d",
			fb.Width(), fb.Height(), d.opts.Width, d.opts.Height)
	}
	return nil
}

// String returns a short description for logs.
func (d *Dev) String() string {
	return fmt.Sprintf("epd.Dev{%s, %dx%d}", d.c, d.opts.Width, d.opts.Height)
}
