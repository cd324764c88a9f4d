package portal

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/datascale-ai/inksight-device/store"
	"github.com/datascale-ai/inksight-device/wifi"
)

type fakeWifi struct {
	networks   []wifi.Network
	connectErr error
	reason     wifi.Reason
	gotSSID    string
	gotPass    string
}

func (f *fakeWifi) Scan() ([]wifi.Network, error) { return f.networks, nil }

func (f *fakeWifi) Connect(ssid, pass string, timeout time.Duration) error {
	f.gotSSID, f.gotPass = ssid, pass
	return f.connectErr
}

func (f *fakeWifi) FailureReason(err error, ssid string) wifi.Reason { return f.reason }

func (f *fakeWifi) MACAddress() (string, error) { return "aa:bb:cc:dd:ee:ff", nil }

type fakeStore struct {
	cfg       store.Config
	ssid      string
	pass      string
	server    string
	config    string
	saveErr   error
	wifiSaved bool
}

func (f *fakeStore) Load() (store.Config, error) { return f.cfg, nil }

func (f *fakeStore) SaveWiFi(ssid, pass string) error {
	f.ssid, f.pass, f.wifiSaved = ssid, pass, true
	return f.saveErr
}

func (f *fakeStore) SaveServer(url string) error {
	f.server = url
	return f.saveErr
}

func (f *fakeStore) SaveUserConfig(configJSON string) error {
	f.config = configJSON
	return f.saveErr
}

func newTestPortal(w *fakeWifi, s *fakeStore) *Portal {
	return New(Deps{
		Wifi:    w,
		Store:   s,
		Battery: func() float64 { return 3.91 },
		Restart: func() {},
		APAddr:  "192.168.4.1",
	})
}

func doForm(t *testing.T, p *Portal, path string, form url.Values) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestSanitizeSSID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"HomeNet", "HomeNet"},
		{"  padded  ", "padded"},
		{"<script>x</script>", "scriptx/script"},
		{"quo\"te'd", "quoted"},
		{"ctrl\x01char", "ctrlchar"},
		{"caf\xc3\xa9", "caf\xc3\xa9"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, c := range cases {
		if got := sanitizeSSID(c.in); got != c.want {
			t.Errorf("sanitizeSSID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidConfigJSON(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"modes":["clock"]}`, true},
		{`{"modes":[],"refreshInterval":30}`, true},
		{`{"refreshInterval":30}`, false},
		{`["modes"]`, false},
		{`not json`, false},
		{``, false},
	}
	for _, c := range cases {
		if got := validConfigJSON(c.in); got != c.want {
			t.Errorf("validConfigJSON(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidURL(t *testing.T) {
	if !validURL("http://10.0.0.1:8080") || !validURL("https://example.com") {
		t.Error("valid URLs rejected")
	}
	if validURL("ftp://x") || validURL("example.com") {
		t.Error("invalid URLs accepted")
	}
}

func TestScanRoute(t *testing.T) {
	w := &fakeWifi{networks: []wifi.Network{
		{SSID: "HomeNet", RSSI: -52, Secure: true},
		{SSID: "Cafe", RSSI: -70, Secure: false},
	}}
	p := newTestPortal(w, &fakeStore{})

	req, _ := http.NewRequest(http.MethodGet, "/scan", nil)
	resp, err := p.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Networks []wifi.Network `json:"networks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Networks) != 2 || body.Networks[0].SSID != "HomeNet" {
		t.Errorf("unexpected scan payload: %+v", body.Networks)
	}
}

func TestSaveWiFiSuccess(t *testing.T) {
	w := &fakeWifi{}
	s := &fakeStore{}
	p := newTestPortal(w, s)

	body := doForm(t, p, "/save_wifi", url.Values{
		"ssid":   {"HomeNet"},
		"pass":   {"secret123"},
		"server": {"http://10.0.0.5:8080/"},
	})
	if body["ok"] != true {
		t.Fatalf("save_wifi failed: %v", body)
	}
	if !s.wifiSaved || s.ssid != "HomeNet" || s.pass != "secret123" {
		t.Errorf("credentials not persisted: %+v", s)
	}
	if s.server != "http://10.0.0.5:8080" {
		t.Errorf("server = %q, want trailing slash trimmed", s.server)
	}
}

func TestSaveWiFiFailureDoesNotPersist(t *testing.T) {
	w := &fakeWifi{
		connectErr: errors.New("activation failed"),
		reason:     wifi.ReasonAuthFailed,
	}
	s := &fakeStore{}
	p := newTestPortal(w, s)

	body := doForm(t, p, "/save_wifi", url.Values{
		"ssid": {"HomeNet"},
		"pass": {"wrong"},
	})
	if body["ok"] != false {
		t.Fatalf("save_wifi reported success: %v", body)
	}
	if body["reason"] != string(wifi.ReasonAuthFailed) {
		t.Errorf("reason = %v, want %s", body["reason"], wifi.ReasonAuthFailed)
	}
	if s.wifiSaved {
		t.Error("credentials persisted after failed association")
	}
}

func TestSaveWiFiRejectsBadServerURL(t *testing.T) {
	p := newTestPortal(&fakeWifi{}, &fakeStore{})
	body := doForm(t, p, "/save_wifi", url.Values{
		"ssid":   {"HomeNet"},
		"server": {"example.com"},
	})
	if body["ok"] != false {
		t.Fatalf("bad server URL accepted: %v", body)
	}
}

func TestSaveConfig(t *testing.T) {
	s := &fakeStore{}
	p := newTestPortal(&fakeWifi{}, s)

	body := doForm(t, p, "/save_config", url.Values{
		"config": {`{"modes":["clock"],"refreshInterval":45}`},
	})
	if body["ok"] != true {
		t.Fatalf("save_config failed: %v", body)
	}
	if s.config == "" {
		t.Error("config not persisted")
	}

	p.mu.Lock()
	armed := !p.restartAt.IsZero()
	p.mu.Unlock()
	if !armed {
		t.Error("deferred restart not scheduled")
	}
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	s := &fakeStore{}
	p := newTestPortal(&fakeWifi{}, s)

	body := doForm(t, p, "/save_config", url.Values{"config": {`{"no":"modes"}`}})
	if body["ok"] != false {
		t.Fatalf("invalid config accepted: %v", body)
	}
	if s.config != "" {
		t.Error("invalid config persisted")
	}
}

func TestTickFiresDeferredRestart(t *testing.T) {
	restarted := false
	p := New(Deps{
		Wifi:    &fakeWifi{},
		Store:   &fakeStore{},
		Battery: func() float64 { return 0 },
		Restart: func() { restarted = true },
		APAddr:  "192.168.4.1",
	})

	p.Tick(time.Now())
	if restarted {
		t.Fatal("restart fired with no schedule")
	}

	p.mu.Lock()
	p.restartAt = time.Now().Add(-time.Second)
	p.mu.Unlock()
	p.Tick(time.Now())
	if !restarted {
		t.Error("restart did not fire after deadline")
	}
}

func TestCaptiveFallthrough(t *testing.T) {
	p := newTestPortal(&fakeWifi{}, &fakeStore{})

	cases := []struct {
		path string
		want int
	}{
		{"/generate_204", http.StatusNoContent},
		{"/hotspot-detect.html", http.StatusNoContent},
		{"/favicon.ico", http.StatusNotFound},
		{"/logo.png", http.StatusNotFound},
		{"/anything/else", http.StatusFound},
	}
	for _, c := range cases {
		req, _ := http.NewRequest(http.MethodGet, c.path, nil)
		resp, err := p.App().Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != c.want {
			t.Errorf("GET %s = %d, want %d", c.path, resp.StatusCode, c.want)
		}
		if c.want == http.StatusFound {
			if loc := resp.Header.Get("Location"); !strings.Contains(loc, "192.168.4.1") {
				t.Errorf("redirect location = %q", loc)
			}
		}
	}
}

func TestIndexServesPage(t *testing.T) {
	p := newTestPortal(&fakeWifi{}, &fakeStore{})
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	resp, err := p.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "InkSight Setup") {
		t.Error("portal page missing title")
	}
}
