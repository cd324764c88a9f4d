// Package backend talks to the rendering service: it streams a 1-bit BMP
// into the framebuffer and pushes config, favorite and token documents.
package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/datascale-ai/inksight-device/frame"
)

// Timeouts, matching the firmware's wire behavior.
const (
	// RequestTimeout bounds the initial GET/POST exchange.
	RequestTimeout = 30 * time.Second
	// IdleTimeout aborts a streamed read that makes no progress.
	IdleTimeout = 10 * time.Second
)

// bmpHeaderLen is the BMP file header; byte 10 holds the pixel offset.
const bmpHeaderLen = 14

// FetchError wraps anything that goes wrong while obtaining an image.
type FetchError struct {
	Stage string // "request", "status", "header", "row"
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Telemetry rides along on the render request so the backend can show
// battery and signal state in the rendered content.
type Telemetry struct {
	Voltage float64
	MAC     string
	RSSI    int
}

// Client is the HTTP client for one backend server.
type Client struct {
	base  string
	token string
	http  *http.Client
	idle  time.Duration
}

// New returns a client for the given base address.
func New(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: RequestTimeout},
		idle:  IdleTimeout,
	}
}

// FetchImage streams a rendered frame into fb. The wire format is a BMP
// container: 14-byte file header with the pixel-data offset at byte 10,
// then bottom-up rows padded to a 4-byte stride. Rows are copied into fb
// top-down as they complete; on any error fb may hold a partial frame, so
// callers fetch into a scratch buffer and publish only on success.
func (c *Client) FetchImage(fb *frame.Buffer, t Telemetry, next bool) error {
	url := fmt.Sprintf("%s/api/render?v=%.2f&mac=%s&rssi=%d&w=%d&h=%d",
		c.base, t.Voltage, t.MAC, t.RSSI, fb.Width(), fb.Height())
	if next {
		url += "&next=1"
	}
	log.Printf("backend: GET %s", url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchError{Stage: "request", Err: err}
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Stage: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return &FetchError{
			Stage: "status",
			Err:   fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	// The stream is guarded by an idle watchdog on top of the request
	// timeout: any read making no progress for IdleTimeout cancels the
	// request context.
	body := newIdleReader(resp.Body, c.idle, cancel)
	defer body.stop()

	var header [bmpHeaderLen]byte
	if _, err := io.ReadFull(body, header[:]); err != nil {
		return &FetchError{Stage: "header", Err: err}
	}
	if header[0] != 'B' || header[1] != 'M' {
		return &FetchError{Stage: "header", Err: fmt.Errorf("bad magic %q", header[:2])}
	}
	pixelOffset := binary.LittleEndian.Uint32(header[10:14])
	if pixelOffset < bmpHeaderLen {
		return &FetchError{Stage: "header", Err: fmt.Errorf("pixel offset %d inside header", pixelOffset)}
	}

	if _, err := io.CopyN(io.Discard, body, int64(pixelOffset)-bmpHeaderLen); err != nil {
		return &FetchError{Stage: "header", Err: err}
	}

	// Rows arrive bottom-up with the stride padded to 4 bytes; only
	// rowBytes of each are image data. One fixed row buffer keeps memory
	// bounded no matter the panel size.
	rowBytes := fb.RowBytes()
	stride := (rowBytes + 3) &^ 3
	rowBuf := make([]byte, stride)
	height := fb.Height()
	for bmpY := 0; bmpY < height; bmpY++ {
		if _, err := io.ReadFull(body, rowBuf); err != nil {
			return &FetchError{Stage: "row", Err: fmt.Errorf("row %d: %w", bmpY, err)}
		}
		copy(fb.Row(height-1-bmpY), rowBuf[:rowBytes])
	}

	log.Printf("backend: frame OK, %d bytes", rowBytes*height)
	return nil
}

// PostConfig pushes the content-configuration document with the device
// identifier injected as a top-level field. Fire and forget.
func (c *Client) PostConfig(configJSON, mac string) error {
	body := configJSON
	if len(body) > 0 && body[0] == '{' {
		body = `{"mac":` + fmt.Sprintf("%q", mac) + `,` + body[1:]
	}
	_, err := c.post("/api/config", []byte(body))
	return err
}

// PostFavorite bookmarks the currently displayed content.
func (c *Client) PostFavorite(mac string) error {
	body, _ := json.Marshal(map[string]string{"mac": mac})
	_, err := c.post("/api/favorite", body)
	return err
}

// PostToken registers the device by MAC and returns the auth token the
// backend issues for it. The caller persists the token; every later
// request carries it as a bearer credential.
func (c *Client) PostToken(mac string) (string, error) {
	body, _ := json.Marshal(map[string]string{"mac": mac})
	resp, err := c.post("/api/token", body)
	if err != nil {
		return "", err
	}
	var doc struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp, &doc); err != nil {
		return "", fmt.Errorf("backend: token response: %w", err)
	}
	return doc.Token, nil
}

func (c *Client) post(path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	log.Printf("backend: POST %s -> %d", path, resp.StatusCode)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend: POST %s: HTTP %d", path, resp.StatusCode)
	}
	return respBody, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// SyncClock obtains wall-clock time from the server's Date header. On
// failure the clock is reported as the fixed 00:00:00 baseline rather
// than left stale, and ok is false so the caller can log it.
func (c *Client) SyncClock() (hh, mm, ss int, ok bool) {
	req, err := http.NewRequest(http.MethodHead, c.base+"/api/render", nil)
	if err != nil {
		return 0, 0, 0, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("backend: clock sync failed: %v", err)
		return 0, 0, 0, false
	}
	defer resp.Body.Close()

	date := resp.Header.Get("Date")
	when, err := http.ParseTime(date)
	if err != nil {
		log.Printf("backend: clock sync: bad Date %q", date)
		return 0, 0, 0, false
	}
	local := when.Local()
	return local.Hour(), local.Minute(), local.Second(), true
}
