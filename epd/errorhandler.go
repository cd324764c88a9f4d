package epd

import (
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// errorHandler carries the first error through a command sequence so the
// sequence functions stay linear.
type errorHandler struct {
	d   Dev
	err error
}

func (eh *errorHandler) rstOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.rst.Out(l)
}

func (eh *errorHandler) dcOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.dc.Out(l)
}

func (eh *errorHandler) csOut(l gpio.Level) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.cs.Out(l)
}

func (eh *errorHandler) cTx(w []byte) {
	if eh.err != nil {
		return
	}
	eh.err = eh.d.c.Tx(w, nil)
}

func (eh *errorHandler) sendCommand(cmd byte) {
	if eh.err != nil {
		return
	}
	eh.dcOut(gpio.Low)
	eh.csOut(gpio.Low)
	eh.cTx([]byte{cmd})
	eh.csOut(gpio.High)
}

func (eh *errorHandler) sendData(data []byte) {
	if eh.err != nil {
		return
	}
	eh.dcOut(gpio.High)
	eh.csOut(gpio.Low)
	eh.cTx(data)
	eh.csOut(gpio.High)
}

func (eh *errorHandler) sendByte(data byte) {
	eh.sendData([]byte{data})
}

// readBusy waits for the busy pin to drop. The controller cannot report
// failure, so an expired wait is logged and the sequence continues; the
// timeout is sized well above the worst-case refresh.
func (eh *errorHandler) readBusy() {
	if eh.err != nil {
		return
	}
	deadline := time.Now().Add(eh.d.opts.BusyTimeout)
	for eh.d.busy.Read() == gpio.High {
		if time.Now().After(deadline) {
			log.Printf("epd: busy timeout after %s, proceeding", eh.d.opts.BusyTimeout)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (eh *errorHandler) sleep(d time.Duration) {
	if eh.err != nil {
		return
	}
	time.Sleep(d)
}

// rstPulse toggles the reset line with the settling delays from the
// vendor init code.
func (eh *errorHandler) rstPulse() {
	eh.rstOut(gpio.High)
	eh.sleep(100 * time.Millisecond)
	eh.rstOut(gpio.Low)
	eh.sleep(2 * time.Millisecond)
	eh.rstOut(gpio.High)
	eh.sleep(100 * time.Millisecond)
}
