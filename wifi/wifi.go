// Package wifi wraps the host's network manager for station association,
// scanning and the provisioning access point. The WiFi stack itself is a
// black box; everything goes through nmcli and sysfs.
package wifi

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-ping/ping"
)

// ErrConnectTimeout reports that association did not complete within the
// caller's deadline.
var ErrConnectTimeout = errors.New("wifi: connect timeout")

// Reason is the structured failure cause reported to the provisioning
// client.
type Reason string

const (
	ReasonNoSuchNetwork Reason = "NO_SSID"
	ReasonAuthFailed    Reason = "AUTH_FAIL"
	ReasonTimeout       Reason = "TIMEOUT"
)

// Network is one scan result.
type Network struct {
	SSID   string `json:"ssid"`
	RSSI   int    `json:"rssi"`
	Secure bool   `json:"secure"`
}

// StatusInterval is the association polling cadence.
const StatusInterval = 300 * time.Millisecond

type runner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Manager drives one wireless interface.
type Manager struct {
	iface string
	run   runner
}

// NewManager returns a manager for the given interface (e.g. "wlan0").
func NewManager(iface string) *Manager {
	return &Manager{iface: iface, run: execRunner}
}

// Connect associates to the network and polls the interface state until
// it reports connected or the timeout elapses.
func (m *Manager) Connect(ssid, pass string, timeout time.Duration) error {
	log.Printf("wifi: connecting to %q", ssid)

	args := []string{"--wait", "0", "dev", "wifi", "connect", ssid, "ifname", m.iface}
	if pass != "" {
		args = append(args, "password", pass)
	}
	if out, err := m.run("nmcli", args...); err != nil {
		return fmt.Errorf("wifi: connect %q: %s: %w", ssid, strings.TrimSpace(out), err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if m.connected() {
			log.Printf("wifi: %q associated", ssid)
			return nil
		}
		if time.Now().After(deadline) {
			return ErrConnectTimeout
		}
		time.Sleep(StatusInterval)
	}
}

// connected reports whether the interface is in the connected state.
func (m *Manager) connected() bool {
	out, err := m.run("nmcli", "-t", "-f", "DEVICE,STATE", "dev")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 && parts[0] == m.iface {
			return parts[1] == "connected"
		}
	}
	return false
}

// Disconnect drops the station association.
func (m *Manager) Disconnect() {
	if out, err := m.run("nmcli", "dev", "disconnect", m.iface); err != nil {
		log.Printf("wifi: disconnect: %s: %v", strings.TrimSpace(out), err)
	}
}

// Scan lists nearby networks.
func (m *Manager) Scan() ([]Network, error) {
	out, err := m.run("nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY",
		"dev", "wifi", "list", "ifname", m.iface, "--rescan", "yes")
	if err != nil {
		return nil, fmt.Errorf("wifi: scan: %w", err)
	}
	return parseScan(out), nil
}

func parseScan(out string) []Network {
	var nets []Network
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 || parts[0] == "" || seen[parts[0]] {
			continue
		}
		signal, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		seen[parts[0]] = true
		nets = append(nets, Network{
			SSID:   parts[0],
			RSSI:   signalToRSSI(signal),
			Secure: parts[2] != "" && parts[2] != "--",
		})
	}
	return nets
}

// signalToRSSI converts nmcli's 0-100 signal percentage back to the dBm
// figure the backend expects, inverting nmcli's own mapping.
func signalToRSSI(signal int) int {
	return signal/2 - 100
}

// RSSI returns the signal strength of the current association, or 0 when
// unknown.
func (m *Manager) RSSI() int {
	out, err := m.run("nmcli", "-t", "-f", "IN-USE,SIGNAL", "dev", "wifi")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "*:") {
			continue
		}
		if signal, err := strconv.Atoi(strings.TrimPrefix(line, "*:")); err == nil {
			return signalToRSSI(signal)
		}
	}
	return 0
}

// MACAddress reads the interface hardware address.
func (m *Manager) MACAddress() (string, error) {
	data, err := os.ReadFile("/sys/class/net/" + m.iface + "/address")
	if err != nil {
		return "", fmt.Errorf("wifi: mac: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(string(data))), nil
}

// StartAP brings up an open provisioning hotspot with the given name.
func (m *Manager) StartAP(name string) error {
	out, err := m.run("nmcli", "dev", "wifi", "hotspot",
		"ifname", m.iface, "con-name", "inksight-ap", "ssid", name)
	if err != nil {
		return fmt.Errorf("wifi: hotspot: %s: %w", strings.TrimSpace(out), err)
	}
	log.Printf("wifi: AP %q up", name)
	return nil
}

// StopAP tears the hotspot down again.
func (m *Manager) StopAP() {
	if out, err := m.run("nmcli", "connection", "down", "inksight-ap"); err != nil {
		log.Printf("wifi: stop AP: %s: %v", strings.TrimSpace(out), err)
	}
}

// FailureReason classifies a failed association for the provisioning
// client: the SSID not being visible beats an auth hint, which beats the
// generic timeout.
func (m *Manager) FailureReason(err error, ssid string) Reason {
	if nets, scanErr := m.Scan(); scanErr == nil {
		found := false
		for _, n := range nets {
			if n.SSID == ssid {
				found = true
				break
			}
		}
		if !found {
			return ReasonNoSuchNetwork
		}
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "secrets") || strings.Contains(msg, "password") {
			return ReasonAuthFailed
		}
	}
	return ReasonTimeout
}

// Probe sends a single ICMP echo to host and returns the round-trip
// time. Best effort; callers only log the result.
func Probe(host string, timeout time.Duration) (time.Duration, error) {
	p, err := ping.NewPinger(host)
	if err != nil {
		return 0, err
	}
	p.Count = 1
	p.Timeout = timeout
	p.SetPrivileged(true)
	if err := p.Run(); err != nil {
		return 0, err
	}
	stats := p.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("wifi: no reply from %s", host)
	}
	return stats.AvgRtt, nil
}
