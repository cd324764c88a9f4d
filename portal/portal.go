// Package portal runs the on-device provisioning service: an HTTP server
// with the configuration page and a DNS catch-all that funnels clients of
// the open access point to it.
package portal

import (
	_ "embed"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/miekg/dns"

	"github.com/datascale-ai/inksight-device/store"
	"github.com/datascale-ai/inksight-device/wifi"
)

//go:embed portal.html
var portalHTML string

// Timing for the provisioning flow.
const (
	// connectTimeout bounds the blocking association attempt in
	// /save_wifi.
	connectTimeout = 15 * time.Second
	// restartGrace is the deferred-restart delay after a config save,
	// long enough for the client UI to finish up; /restart skips it.
	restartGrace = 30 * time.Second
)

// captiveProbes are OS connectivity checks that get an empty 204 so the
// client does not pop its captive-portal browser over and over.
var captiveProbes = map[string]bool{
	"/generate_204":        true,
	"/gen_204":             true,
	"/hotspot-detect.html": true,
	"/canonical.html":      true,
	"/success.txt":         true,
	"/ncsi.txt":            true,
}

// WifiService is the slice of the wifi manager the portal needs.
type WifiService interface {
	Scan() ([]wifi.Network, error)
	Connect(ssid, pass string, timeout time.Duration) error
	FailureReason(err error, ssid string) wifi.Reason
	MACAddress() (string, error)
}

// ConfigStore is the slice of the persistent store the portal needs.
type ConfigStore interface {
	Load() (store.Config, error)
	SaveWiFi(ssid, pass string) error
	SaveServer(url string) error
	SaveUserConfig(configJSON string) error
}

// Deps wires the portal to the rest of the device.
type Deps struct {
	Wifi    WifiService
	Store   ConfigStore
	Battery func() float64
	// PostConfig forwards the saved document to the backend once the
	// device is associated. Best effort.
	PostConfig func(configJSON, mac string) error
	// Restart ends the provisioning session and reboots the device.
	Restart func()
	// APAddr is the access point's own address clients are redirected to.
	APAddr string
}

// Portal is one provisioning session.
type Portal struct {
	deps Deps
	app  *fiber.App
	dns  *dns.Server

	mu         sync.Mutex
	connecting bool
	connected  bool
	lastReason wifi.Reason
	restartAt  time.Time
}

// New builds the portal without starting any listener.
func New(deps Deps) *Portal {
	p := &Portal{deps: deps}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/", p.index)
	app.Get("/scan", p.scan)
	app.Get("/info", p.info)
	app.Get("/status", p.status)
	app.Post("/save_wifi", p.saveWiFi)
	app.Post("/save_config", p.saveConfig)
	app.Post("/restart", p.restart)
	app.Use(p.notFound)

	p.app = app
	return p
}

// Start brings up the HTTP and DNS listeners. It returns immediately;
// the session runs until a restart is triggered.
func (p *Portal) Start() {
	go func() {
		if err := p.app.Listen(":80"); err != nil {
			log.Printf("portal: http server: %v", err)
		}
	}()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", p.answerDNS)
	p.dns = &dns.Server{Addr: ":53", Net: "udp", Handler: mux}
	go func() {
		if err := p.dns.ListenAndServe(); err != nil {
			log.Printf("portal: dns server: %v", err)
		}
	}()

	log.Printf("portal: serving on %s", p.deps.APAddr)
}

// Tick fires the deferred restart once its grace period has elapsed.
// Called from the controller's polling loop.
func (p *Portal) Tick(now time.Time) {
	p.mu.Lock()
	due := !p.restartAt.IsZero() && now.After(p.restartAt)
	p.mu.Unlock()
	if due {
		log.Printf("portal: deferred restart")
		p.deps.Restart()
	}
}

// App exposes the fiber app for tests.
func (p *Portal) App() *fiber.App { return p.app }

func (p *Portal) index(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.SendString(portalHTML)
}

func (p *Portal) scan(c *fiber.Ctx) error {
	nets, err := p.deps.Wifi.Scan()
	if err != nil {
		log.Printf("portal: scan: %v", err)
		nets = []wifi.Network{}
	}
	c.Set("Access-Control-Allow-Origin", "*")
	return c.JSON(fiber.Map{"networks": nets})
}

func (p *Portal) info(c *fiber.Ctx) error {
	mac, err := p.deps.Wifi.MACAddress()
	if err != nil {
		mac = "unknown"
	}
	cfg, _ := p.deps.Store.Load()
	return c.JSON(fiber.Map{
		"mac":        mac,
		"battery":    fmt.Sprintf("%.2fV", p.deps.Battery()),
		"server_url": cfg.Server,
	})
}

func (p *Portal) status(c *fiber.Ctx) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.Set("Access-Control-Allow-Origin", "*")
	switch {
	case p.connected:
		return c.JSON(fiber.Map{"state": "connected"})
	case p.connecting:
		return c.JSON(fiber.Map{"state": "connecting"})
	case p.lastReason != "":
		return c.JSON(fiber.Map{"state": "failed", "error": string(p.lastReason)})
	default:
		return c.JSON(fiber.Map{"state": "idle"})
	}
}

func (p *Portal) saveWiFi(c *fiber.Ctx) error {
	ssid := sanitizeSSID(c.FormValue("ssid"))
	pass := sanitizeText(c.FormValue("pass"), maxPassLen)
	serverURL := sanitizeInput(c.FormValue("server"), maxURLLen)

	if ssid == "" {
		return c.JSON(fiber.Map{"ok": false, "msg": "SSID empty"})
	}

	if serverURL != "" {
		if !validURL(serverURL) {
			return c.JSON(fiber.Map{"ok": false, "msg": "Server address must start with http:// or https://"})
		}
		serverURL = strings.TrimRight(serverURL, "/")
		if err := p.deps.Store.SaveServer(serverURL); err != nil {
			log.Printf("portal: save server: %v", err)
			return c.JSON(fiber.Map{"ok": false, "msg": "Failed to persist server address"})
		}
		log.Printf("portal: server address saved: %s", serverURL)
	}

	p.mu.Lock()
	p.connecting = true
	p.lastReason = ""
	p.mu.Unlock()

	log.Printf("portal: trying %q", ssid)
	err := p.deps.Wifi.Connect(ssid, pass, connectTimeout)

	p.mu.Lock()
	p.connecting = false
	p.mu.Unlock()

	if err != nil {
		reason := p.deps.Wifi.FailureReason(err, ssid)
		p.mu.Lock()
		p.lastReason = reason
		p.mu.Unlock()
		log.Printf("portal: association failed: %s (%v)", reason, err)
		return c.JSON(fiber.Map{"ok": false, "msg": reasonText(reason), "reason": string(reason)})
	}

	if err := p.deps.Store.SaveWiFi(ssid, pass); err != nil {
		log.Printf("portal: save wifi: %v", err)
		return c.JSON(fiber.Map{"ok": false, "msg": "Failed to persist credentials"})
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	log.Printf("portal: %q saved", ssid)
	return c.JSON(fiber.Map{"ok": true})
}

func reasonText(r wifi.Reason) string {
	switch r {
	case wifi.ReasonNoSuchNetwork:
		return "Network not found"
	case wifi.ReasonAuthFailed:
		return "Wrong password"
	default:
		return "Connection timed out, please retry"
	}
}

func (p *Portal) saveConfig(c *fiber.Ctx) error {
	config := sanitizeInput(c.FormValue("config"), maxConfigLen)
	if config == "" {
		return c.JSON(fiber.Map{"ok": false, "msg": "Config empty"})
	}
	if !validConfigJSON(config) {
		return c.JSON(fiber.Map{"ok": false, "msg": "Invalid config format"})
	}
	if err := p.deps.Store.SaveUserConfig(config); err != nil {
		log.Printf("portal: save config: %v", err)
		return c.JSON(fiber.Map{"ok": false, "msg": "Failed to persist config"})
	}
	log.Printf("portal: config saved")

	p.mu.Lock()
	connected := p.connected
	p.restartAt = time.Now().Add(restartGrace)
	p.mu.Unlock()

	if connected && p.deps.PostConfig != nil {
		mac, _ := p.deps.Wifi.MACAddress()
		if err := p.deps.PostConfig(config, mac); err != nil {
			log.Printf("portal: config post: %v", err)
		}
	}

	log.Printf("portal: restart in %s (or earlier via /restart)", restartGrace)
	return c.JSON(fiber.Map{"ok": true})
}

func (p *Portal) restart(c *fiber.Ctx) error {
	log.Printf("portal: manual restart requested")
	time.AfterFunc(time.Second, p.deps.Restart)
	return c.JSON(fiber.Map{"ok": true})
}

// notFound handles everything off the known routes: captive-probe URLs
// get a quiet 204, stray asset requests a 404, and the rest a redirect
// to the portal page.
func (p *Portal) notFound(c *fiber.Ctx) error {
	path := c.Path()

	if captiveProbes[path] {
		return c.SendStatus(fiber.StatusNoContent)
	}
	for _, ext := range []string{".ico", ".png", ".jpg"} {
		if strings.HasSuffix(path, ext) {
			return c.SendStatus(fiber.StatusNotFound)
		}
	}
	return c.Redirect("http://"+p.deps.APAddr, fiber.StatusFound)
}

// answerDNS resolves every name to the access point so any URL the
// client tries lands on the portal.
func (p *Portal) answerDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	ip := net.ParseIP(p.deps.APAddr)
	for _, q := range req.Question {
		if q.Qtype != dns.TypeA || ip == nil {
			continue
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    10,
			},
			A: ip.To4(),
		})
	}
	if err := w.WriteMsg(resp); err != nil {
		log.Printf("portal: dns reply: %v", err)
	}
}
