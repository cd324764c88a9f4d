package epd

import (
	"image"
	"time"
)

// controller is the narrow wire-level surface the sequence functions run
// against, so tests can record the exact command stream.
type controller interface {
	sendCommand(byte)
	sendData([]byte)
	sendByte(byte)
	readBusy()
	sleep(time.Duration)
	rstPulse()
}

// reset toggles the hardware reset line and waits for the controller to
// come back up.
func reset(ctrl controller) {
	ctrl.rstPulse()
	ctrl.readBusy()
}

// initDisplay programs the standard (full waveform) configuration.
func initDisplay(ctrl controller, opts *Opts) {
	ctrl.sendCommand(swReset)
	ctrl.readBusy()

	ctrl.sendCommand(displayUpdateControl1)
	ctrl.sendData([]byte{0x40, 0x00}) // source output mode

	ctrl.sendCommand(borderWaveformControl)
	ctrl.sendByte(0x05)

	setFullWindow(ctrl, opts)
	ctrl.readBusy()
}

// initDisplayFast additionally loads the fast LUT by writing a
// temperature override and activating a LUT load cycle.
func initDisplayFast(ctrl controller, opts *Opts) {
	ctrl.sendCommand(swReset)
	ctrl.readBusy()

	ctrl.sendCommand(displayUpdateControl1)
	ctrl.sendData([]byte{0x40, 0x00})

	ctrl.sendCommand(borderWaveformControl)
	ctrl.sendByte(0x05)

	ctrl.sendCommand(tempSensorRegWrite)
	ctrl.sendByte(fastLUTTemp)

	ctrl.sendCommand(displayUpdateControl2)
	ctrl.sendByte(loadFastLUT)
	ctrl.sendCommand(masterActivation)
	ctrl.readBusy()

	setFullWindow(ctrl, opts)
	ctrl.readBusy()
}

// setFullWindow addresses the whole panel and homes the RAM counters.
func setFullWindow(ctrl controller, opts *Opts) {
	ctrl.sendCommand(dataEntryModeSetting)
	ctrl.sendByte(0x03) // X and Y increment

	ctrl.sendCommand(setRAMXRange)
	ctrl.sendData([]byte{0x00, byte((opts.Width - 1) / 8)})

	ctrl.sendCommand(setRAMYRange)
	ctrl.sendData([]byte{
		0x00, 0x00,
		byte((opts.Height - 1) & 0xFF), byte(((opts.Height - 1) >> 8) & 0xFF),
	})

	ctrl.sendCommand(setRAMXCounter)
	ctrl.sendByte(0x00)

	ctrl.sendCommand(setRAMYCounter)
	ctrl.sendData([]byte{0x00, 0x00})
}

// writeFrame loads the plane into both BW and red RAM. The red plane is
// the controller's "previous image" input; leaving it stale causes a
// half-refresh artifact.
func writeFrame(ctrl controller, plane []byte) {
	ctrl.sendCommand(writeRAMBW)
	ctrl.sendData(plane)

	ctrl.sendCommand(writeRAMRed)
	ctrl.sendData(plane)
}

// writePartial addresses only rect and loads the region bytes. The border
// waveform is pinned (0x80) so the frame around the window holds still.
func writePartial(ctrl controller, data []byte, rect image.Rectangle) {
	xS := rect.Min.X / 8
	xE := (rect.Max.X - 1) / 8
	yS := rect.Min.Y
	yE := rect.Max.Y - 1

	ctrl.sendCommand(borderWaveformControl)
	ctrl.sendByte(0x80)

	ctrl.sendCommand(displayUpdateControl1)
	ctrl.sendData([]byte{0x00, 0x00})

	ctrl.sendCommand(setRAMXRange)
	ctrl.sendData([]byte{byte(xS & 0xFF), byte(xE & 0xFF)})

	ctrl.sendCommand(setRAMYRange)
	ctrl.sendData([]byte{
		byte(yS & 0xFF), byte((yS >> 8) & 0xFF),
		byte(yE & 0xFF), byte((yE >> 8) & 0xFF),
	})

	ctrl.sendCommand(setRAMXCounter)
	ctrl.sendByte(byte(xS & 0xFF))

	ctrl.sendCommand(setRAMYCounter)
	ctrl.sendData([]byte{byte(yS & 0xFF), byte((yS >> 8) & 0xFF)})

	ctrl.sendCommand(writeRAMBW)
	ctrl.sendData(data)
}

// activate kicks off the display update sequence and blocks on busy.
func activate(ctrl controller, sequence byte) {
	ctrl.sendCommand(displayUpdateControl2)
	ctrl.sendByte(sequence)
	ctrl.sendCommand(masterActivation)
	ctrl.readBusy()
}
