package input

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"periph.io/x/conn/v3/gpio"
)

// Source is a sampled view of the button state, polled by the controller
// loop at PollInterval.
type Source interface {
	Pressed() bool
}

// PinSource reads an active-low GPIO pin directly.
type PinSource struct {
	pin gpio.PinIn
}

// NewPinSource configures pin as a pulled-up input.
func NewPinSource(pin gpio.PinIn) (*PinSource, error) {
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("input: configuring button pin: %w", err)
	}
	return &PinSource{pin: pin}, nil
}

func (s *PinSource) Pressed() bool {
	return s.pin.Read() == gpio.Low
}

// EvdevSource tracks a key exposed through the Linux input subsystem, for
// boards where the button is wired to the PMIC instead of a free GPIO. A
// reader goroutine mirrors the key state; Pressed just samples it.
type EvdevSource struct {
	dev     *evdev.InputDevice
	pressed atomic.Bool
}

// NewEvdevSource opens the input device whose advertised name matches
// devName and follows the given key code.
func NewEvdevSource(devName string, code evdev.EvCode) (*EvdevSource, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("input: listing input devices: %w", err)
	}

	var devPath string
	for _, ip := range paths {
		if ip.Name == devName {
			devPath = ip.Path
			break
		}
	}
	if devPath == "" {
		return nil, fmt.Errorf("input: no input device named %q", devName)
	}

	dev, err := evdev.Open(devPath)
	if err != nil {
		return nil, fmt.Errorf("input: open %s: %w", devPath, err)
	}
	log.Printf("input: using device %s (%s)", devPath, devName)

	s := &EvdevSource{dev: dev}
	go s.readLoop(code)
	return s, nil
}

func (s *EvdevSource) readLoop(code evdev.EvCode) {
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			log.Printf("input: read error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if ev.Type == evdev.EV_KEY && ev.Code == code {
			s.pressed.Store(ev.Value != 0)
		}
	}
}

func (s *EvdevSource) Pressed() bool {
	return s.pressed.Load()
}
