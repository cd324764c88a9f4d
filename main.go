// InkSight companion display daemon. One process owns the e-paper
// panel, the side button and the wake cycle; everything it shows comes
// pre-rendered from the backend.
package main

import (
	"flag"
	"log"

	"github.com/holoplot/go-evdev"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/datascale-ai/inksight-device/cache"
	"github.com/datascale-ai/inksight-device/epd"
	"github.com/datascale-ai/inksight-device/input"
	"github.com/datascale-ai/inksight-device/store"
	"github.com/datascale-ai/inksight-device/wifi"
)

func main() {
	var (
		statePath = flag.String("state", "/var/lib/inksight/state.json", "persistent device record")
		cachePath = flag.String("cache", "/var/lib/inksight/frame.bin", "last displayed frame")
		iface     = flag.String("iface", "wlan0", "wifi interface")
		apAddr    = flag.String("ap-addr", "192.168.4.1", "portal address on the setup AP")
		spiName   = flag.String("spi", "SPI0.0", "SPI port for the panel")
		dcPin     = flag.String("dc", "GPIO25", "data/command pin")
		csPin     = flag.String("cs", "GPIO8", "chip select pin")
		rstPin    = flag.String("rst", "GPIO17", "panel reset pin")
		busyPin   = flag.String("busy", "GPIO24", "panel busy pin")
		btnPin    = flag.String("button", "GPIO26", "side button pin, empty to disable")
		btnDev    = flag.String("button-dev", "", "evdev device name, overrides -button")
		width     = flag.Int("width", epd.EPD4in2v2.Width, "panel width in pixels")
		height    = flag.Int("height", epd.EPD4in2v2.Height, "panel height in pixels")
		stayAwake = flag.Bool("stay-awake", false, "poll between fetches instead of suspending")
	)
	flag.Parse()

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	spiPort, err := spireg.Open(*spiName)
	if err != nil {
		log.Fatal(err)
	}
	defer spiPort.Close()

	opts := epd.EPD4in2v2
	opts.Width, opts.Height = *width, *height

	dev, err := epd.New(spiPort,
		mustPin(*dcPin),
		mustPin(*csPin),
		mustPin(*rstPin),
		mustPin(*busyPin),
		opts)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("panel: %s", dev)

	button := buttonSource(*btnDev, *btnPin)

	ctrl, err := NewController(
		dev,
		wifi.NewManager(*iface),
		store.New(*statePath),
		cache.New(*cachePath),
		button,
		*stayAwake,
		*apAddr,
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := ctrl.Run(); err != nil {
		log.Fatal(err)
	}
}

func mustPin(name string) gpio.PinIO {
	p := gpioreg.ByName(name)
	if p == nil {
		log.Fatalf("gpio pin %q not found", name)
	}
	return p
}

// buttonSource prefers the evdev device when one is named, falls back
// to the raw GPIO pin, and tolerates neither being present (bench
// setups without a button).
func buttonSource(devName, pinName string) input.Source {
	if devName != "" {
		src, err := input.NewEvdevSource(devName, evdev.KEY_POWER)
		if err != nil {
			log.Printf("button: evdev %q: %v", devName, err)
			return nil
		}
		return src
	}
	if pinName == "" {
		return nil
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		log.Printf("button: gpio pin %q not found, button disabled", pinName)
		return nil
	}
	src, err := input.NewPinSource(pin)
	if err != nil {
		log.Printf("button: %v", err)
		return nil
	}
	return src
}
