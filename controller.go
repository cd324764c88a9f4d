package main

import (
	"errors"
	"fmt"
	"image"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/datascale-ai/inksight-device/backend"
	"github.com/datascale-ai/inksight-device/cache"
	"github.com/datascale-ai/inksight-device/frame"
	"github.com/datascale-ai/inksight-device/input"
	"github.com/datascale-ai/inksight-device/portal"
	"github.com/datascale-ai/inksight-device/power"
	"github.com/datascale-ai/inksight-device/screen"
	"github.com/datascale-ai/inksight-device/store"
	"github.com/datascale-ai/inksight-device/wifi"
)

// DeviceState labels the phase the wake cycle is in, mostly for logs.
type DeviceState int

const (
	StateBoot DeviceState = iota
	StatePortal
	StateConnecting
	StateFetching
	StateDisplaying
	StateRefreshing
	StateError
	StateSleeping
)

func (s DeviceState) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StatePortal:
		return "portal"
	case StateConnecting:
		return "connecting"
	case StateFetching:
		return "fetching"
	case StateDisplaying:
		return "displaying"
	case StateRefreshing:
		return "refreshing"
	case StateError:
		return "error"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

const (
	apPrefix = "InkSight-"
	// wifiTimeout bounds association during a normal wake cycle.
	wifiTimeout = 15 * time.Second
	// fullRefreshEvery forces a flicker-clean full refresh after this
	// many fast content updates, so ghosting never accumulates.
	fullRefreshEvery = 10
	// maxRetryCount caps the escalating retry ladder; past it the device
	// falls back to the normal sleep interval with the counter reset.
	maxRetryCount = 5
)

// retryDelays is the escalating back-off, indexed by consecutive failure
// count.
var retryDelays = [maxRetryCount]time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// panel is the slice of the display driver the controller uses.
type panel interface {
	DisplayFull(fb *frame.Buffer) error
	DisplayFast(fb *frame.Buffer) error
	DisplayPartial(data []byte, rect image.Rectangle) error
	Sleep() error
	Bounds() image.Rectangle
}

// netClient is the slice of the backend client the controller uses.
type netClient interface {
	FetchImage(fb *frame.Buffer, t backend.Telemetry, next bool) error
	PostConfig(configJSON, mac string) error
	PostFavorite(mac string) error
	PostToken(mac string) (string, error)
	SyncClock() (hh, mm, ss int, ok bool)
}

// associator is the slice of the wifi manager the controller uses. It
// is a superset of portal.WifiService so one value serves both.
type associator interface {
	Connect(ssid, pass string, timeout time.Duration) error
	Disconnect()
	Scan() ([]wifi.Network, error)
	FailureReason(err error, ssid string) wifi.Reason
	RSSI() int
	MACAddress() (string, error)
	StartAP(name string) error
	StopAP()
}

// portalRunner is a running provisioning session.
type portalRunner interface {
	Start()
	Tick(now time.Time)
}

// Controller owns the whole device lifecycle: boot decision, wake
// cycles, button gestures and the error ladder.
type Controller struct {
	panel   panel
	wifi    associator
	store   *store.Store
	cache   *cache.Cache
	button  input.Source
	decoder *input.Decoder

	// newClient builds a backend client once server and token are known.
	newClient func(server, token string) netClient
	// newPortal builds a provisioning session; swapped out in tests.
	newPortal func(deps portal.Deps) portalRunner

	battery func() float64
	suspend func(d time.Duration)
	restart func()
	probe   func(host string, timeout time.Duration) (time.Duration, error)

	// stayAwake keeps the daemon polling between fetches instead of
	// suspending, with a live 1 Hz clock in the corner. Debug posture.
	stayAwake bool
	apAddr    string

	state DeviceState
	// fb holds the content currently on glass; spare is the fetch
	// scratch so a failed download never corrupts fb.
	fb, spare *frame.Buffer
	// displayed is set once fb has actually been pushed to the panel.
	displayed bool
	cycles    int

	// clock baseline from the last sync attempt; a failed sync resets
	// it to 00:00:00 rather than leaving it stale.
	clockBase   time.Duration
	clockSyncAt time.Time
	clockOK     bool
	lastTick    int
}

// NewController wires the real dependencies. The frame buffers are sized
// to the panel.
func NewController(p panel, w associator, st *store.Store, fc *cache.Cache, btn input.Source, stayAwake bool, apAddr string) (*Controller, error) {
	b := p.Bounds()
	fb, err := frame.New(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	spare, err := frame.New(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	return &Controller{
		panel:   p,
		wifi:    w,
		store:   st,
		cache:   fc,
		button:  btn,
		decoder: input.NewDecoder(),
		newClient: func(server, token string) netClient {
			return backend.New(server, token)
		},
		newPortal: func(deps portal.Deps) portalRunner {
			return portal.New(deps)
		},
		battery: power.BatteryVoltage,
		suspend: power.Suspend,
		restart: func() {
			if err := power.Restart(); err != nil {
				log.Fatalf("restart: %v", err)
			}
		},
		probe:     wifi.Probe,
		stayAwake: stayAwake,
		apAddr:    apAddr,
		fb:        fb,
		spare:     spare,
	}, nil
}

func (c *Controller) setState(s DeviceState) {
	if c.state != s {
		log.Printf("state: %s -> %s", c.state, s)
		c.state = s
	}
}

// Run is the top of the firmware loop. It never returns in normal
// operation.
func (c *Controller) Run() error {
	cfg, err := c.store.Load()
	if err != nil {
		return err
	}
	log.Printf("boot: server=%s sleep=%dmin", cfg.Server, cfg.SleepMin)

	if cfg.SSID == "" || c.buttonHeldAtBoot() {
		c.runPortal()
		c.restart()
		return nil
	}

	if c.cache.Exists() {
		if err := c.cache.Load(c.fb); err == nil {
			if err := c.panel.DisplayFull(c.fb); err != nil {
				log.Printf("boot: cached frame display: %v", err)
			} else {
				c.displayed = true
				log.Printf("boot: cached frame restored")
			}
		}
	}

	next := false
	for {
		if err := c.runCycle(next); err != nil {
			log.Printf("cycle: %v", err)
			c.handleFailure(err)
			continue
		}
		next = false
		if err := c.store.ResetRetryCount(); err != nil {
			log.Printf("cycle: reset retry count: %v", err)
		}

		if c.stayAwake {
			next = c.awaitNext()
			continue
		}
		c.sleepUntilNext()
	}
}

// buttonHeldAtBoot samples the pin for the debounce window so a bouncing
// contact cannot fake a provisioning request.
func (c *Controller) buttonHeldAtBoot() bool {
	if c.button == nil {
		return false
	}
	deadline := time.Now().Add(input.DebounceMin)
	for time.Now().Before(deadline) {
		if !c.button.Pressed() {
			return false
		}
		time.Sleep(input.PollInterval)
	}
	return true
}

// runCycle is one wake: associate, fetch into the scratch buffer, swap,
// display, sync the clock, cache.
func (c *Controller) runCycle(next bool) error {
	cfg, err := c.store.Load()
	if err != nil {
		return err
	}

	c.setState(StateConnecting)
	if err := c.wifi.Connect(cfg.SSID, cfg.Pass, wifiTimeout); err != nil {
		return err
	}
	c.probeLink(cfg.Server)

	mac, err := c.wifi.MACAddress()
	if err != nil {
		log.Printf("cycle: mac: %v", err)
	}
	client := c.newClient(cfg.Server, cfg.Token)
	if cfg.Token == "" {
		tok, err := client.PostToken(mac)
		switch {
		case err != nil:
			log.Printf("cycle: token registration: %v", err)
		case tok == "":
			log.Printf("cycle: token registration: empty token")
		default:
			if err := c.store.SaveToken(tok); err != nil {
				log.Printf("cycle: save token: %v", err)
			}
			client = c.newClient(cfg.Server, tok)
			log.Printf("cycle: device registered")
		}
	}

	c.setState(StateFetching)
	tel := backend.Telemetry{
		Voltage: c.battery(),
		MAC:     mac,
		RSSI:    c.wifi.RSSI(),
	}
	if err := client.FetchImage(c.spare, tel, next); err != nil {
		return err
	}
	if err := c.fb.CopyFrom(c.spare); err != nil {
		return err
	}

	c.setState(StateDisplaying)
	c.cycles++
	if c.cycles%fullRefreshEvery == 1 || !c.displayed {
		err = c.panel.DisplayFull(c.fb)
	} else {
		err = c.panel.DisplayFast(c.fb)
	}
	if err != nil {
		return err
	}
	c.displayed = true

	// A failed sync reports the 00:00:00 baseline; it is applied rather
	// than kept stale so the displayed clock never drifts silently.
	hh, mm, ss, ok := client.SyncClock()
	if !ok {
		log.Printf("cycle: clock sync failed, baseline reset")
	}
	c.clockBase = time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
	c.clockSyncAt = time.Now()
	c.clockOK = true

	if err := c.cache.Save(c.fb); err != nil {
		log.Printf("cycle: cache: %v", err)
	}
	return nil
}

// handleFailure walks the escalating retry ladder, putting the failure
// and the next attempt on the panel before each sleep. The last good
// frame stays in the cache for the next boot.
func (c *Controller) handleFailure(cause error) {
	c.setState(StateError)

	count, err := c.store.RetryCount()
	if err != nil {
		log.Printf("error: retry count: %v", err)
	}
	count++

	if count > maxRetryCount {
		// Give up on the fast ladder; fall back to the normal interval
		// so a long outage drains the battery no faster than usual.
		if err := c.store.ResetRetryCount(); err != nil {
			log.Printf("error: reset retry count: %v", err)
		}
		cfg, _ := c.store.Load()
		log.Printf("error: retry budget spent, sleeping %d min", cfg.SleepMin)
		c.showError(fmt.Sprintf("%s, retry in %dm", failureLabel(cause), cfg.SleepMin))
		c.sleep(time.Duration(cfg.SleepMin) * time.Minute)
		return
	}

	if err := c.store.SetRetryCount(count); err != nil {
		log.Printf("error: set retry count: %v", err)
	}
	delay := retryDelays[count-1]
	log.Printf("error: attempt %d/%d failed (%v), retrying in %s",
		count, maxRetryCount, cause, delay)
	c.showError(fmt.Sprintf("%s %d/%d %ds",
		failureLabel(cause), count, maxRetryCount, int(delay.Seconds())))
	c.sleep(delay)
}

// showError paints the failure message over whatever is on glass. Best
// effort; a dead panel write still lets the retry sleep proceed.
func (c *Controller) showError(msg string) {
	screen.Error(c.fb, msg)
	if err := c.panel.DisplayFull(c.fb); err != nil {
		log.Printf("error: display: %v", err)
	}
	c.displayed = true
}

// failureLabel names the failing stage for the on-panel message.
func failureLabel(cause error) string {
	var fe *backend.FetchError
	switch {
	case errors.Is(cause, wifi.ErrConnectTimeout):
		return "WiFi failed"
	case errors.As(cause, &fe):
		return "Fetch failed"
	default:
		return "Update failed"
	}
}

// sleepUntilNext ends a successful cycle in the power-saving posture.
func (c *Controller) sleepUntilNext() {
	cfg, _ := c.store.Load()
	c.sleep(time.Duration(cfg.SleepMin) * time.Minute)
}

func (c *Controller) sleep(d time.Duration) {
	c.setState(StateSleeping)
	if err := c.panel.Sleep(); err != nil {
		log.Printf("sleep: panel: %v", err)
	}
	c.wifi.Disconnect()
	c.suspend(d)
}

// awaitNext is the stay-awake posture: poll the button, tick the clock
// region once a second, and return when the refresh interval elapses or
// a gesture asks for new content. The return value is the next-content
// flag for the following fetch.
func (c *Controller) awaitNext() (next bool) {
	c.setState(StateRefreshing)
	cfg, _ := c.store.Load()
	deadline := time.Now().Add(time.Duration(cfg.SleepMin) * time.Minute)

	for time.Now().Before(deadline) {
		now := time.Now()
		switch ev := c.sampleButton(now); ev {
		case input.ShortPress:
			log.Printf("button: short, refreshing")
			return false
		case input.DoublePress:
			log.Printf("button: double, next content")
			screen.ModePreview(c.fb, "NEXT")
			if err := c.panel.DisplayFast(c.fb); err != nil {
				log.Printf("button: preview: %v", err)
			}
			return true
		case input.TriplePress:
			c.markFavorite(cfg)
		case input.LongPress:
			log.Printf("button: long, entering portal")
			c.runPortal()
			c.restart()
			return false
		}
		c.tickClock(now)
		time.Sleep(input.PollInterval)
	}
	return false
}

// probeLink pings the backend host right after association. Purely
// informational; a dead probe still lets the fetch try its luck.
func (c *Controller) probeLink(server string) {
	u, err := url.Parse(server)
	if err != nil || u.Hostname() == "" {
		return
	}
	rtt, err := c.probe(u.Hostname(), 2*time.Second)
	if err != nil {
		log.Printf("link: probe %s: %v", u.Hostname(), err)
		return
	}
	log.Printf("link: %s rtt %s", u.Hostname(), rtt)
}

func (c *Controller) sampleButton(now time.Time) input.Event {
	if c.button == nil {
		return input.None
	}
	return c.decoder.Sample(c.button.Pressed(), now)
}

func (c *Controller) markFavorite(cfg store.Config) {
	mac, err := c.wifi.MACAddress()
	if err != nil {
		log.Printf("favorite: mac: %v", err)
		return
	}
	client := c.newClient(cfg.Server, cfg.Token)
	if err := client.PostFavorite(mac); err != nil {
		log.Printf("favorite: %v", err)
		return
	}
	log.Printf("favorite: marked")
}

// tickClock pushes a partial update of the clock region when the second
// rolls over. Without a backend sync the region stays untouched.
func (c *Controller) tickClock(now time.Time) {
	if !c.clockOK {
		return
	}
	elapsed := c.clockBase + now.Sub(c.clockSyncAt)
	total := int(elapsed/time.Second) % (24 * 3600)
	if total == c.lastTick {
		return
	}
	c.lastTick = total

	data, rect, err := screen.Clock(total/3600, total/60%60, total%60)
	if err != nil {
		log.Printf("clock: render: %v", err)
		return
	}
	if err := c.panel.DisplayPartial(data, rect); err != nil {
		log.Printf("clock: partial: %v", err)
	}
}

// apSSID builds the setup network name from the interface MAC suffix so
// neighbouring unconfigured devices stay distinguishable.
func (c *Controller) apSSID() string {
	mac, err := c.wifi.MACAddress()
	if err != nil || len(mac) < 5 {
		return apPrefix + "Setup"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
	return apPrefix + suffix[len(suffix)-4:]
}

// runPortal paints the setup instructions, raises the open access point
// and serves the provisioning portal until a restart is requested.
func (c *Controller) runPortal() {
	c.setState(StatePortal)
	ap := c.apSSID()

	screen.Setup(c.fb, ap)
	if err := c.panel.DisplayFull(c.fb); err != nil {
		log.Printf("portal: display: %v", err)
	}
	c.displayed = true

	if err := c.wifi.StartAP(ap); err != nil {
		log.Printf("portal: start ap: %v", err)
	}
	defer c.wifi.StopAP()

	done := make(chan struct{})
	var closeOnce sync.Once
	p := c.newPortal(portal.Deps{
		Wifi:    c.wifi,
		Store:   c.store,
		Battery: c.battery,
		PostConfig: func(configJSON, mac string) error {
			cfg, _ := c.store.Load()
			return c.newClient(cfg.Server, cfg.Token).PostConfig(configJSON, mac)
		},
		Restart: func() { closeOnce.Do(func() { close(done) }) },
		APAddr:  c.apAddr,
	})
	p.Start()

	for {
		select {
		case <-done:
			return
		default:
		}
		now := time.Now()
		if c.sampleButton(now) == input.LongPress {
			log.Printf("portal: long press, leaving setup")
			return
		}
		p.Tick(now)
		time.Sleep(input.PollInterval)
	}
}
