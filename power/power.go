// Package power covers the battery reading and the two ways a wake cycle
// ends: a timed suspend or a process restart.
package power

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// batteryPath is the sysfs voltage source, in microvolts.
var batteryPath = "/sys/class/power_supply/battery/voltage_now"

// BatteryVoltage reads the pack voltage in volts. Returns 0 when the
// supply is not exposed (bench setups); the backend treats 0 as unknown.
func BatteryVoltage() float64 {
	data, err := os.ReadFile(batteryPath)
	if err != nil {
		return 0
	}
	uv, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return uv / 1000 / 1000
}

// Suspend puts the host to sleep for the given duration with a timer
// wakeup. When rtcwake is unavailable (containers, dev boards without an
// RTC) it degrades to an in-process sleep so the cycle still resumes on
// schedule.
func Suspend(d time.Duration) {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	log.Printf("power: suspending for %s", d)

	cmd := exec.Command("rtcwake", "-m", "mem", "-s", strconv.FormatInt(seconds, 10))
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("power: rtcwake failed (%s), sleeping in place: %v",
			strings.TrimSpace(string(out)), err)
		time.Sleep(time.Duration(seconds) * time.Second)
	}
}

// Restart re-executes the daemon in place, the Linux stand-in for a
// firmware reset: all RAM state is dropped, only the persistent store
// survives.
func Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("power: restart: %w", err)
	}
	log.Printf("power: restarting")
	return syscall.Exec(exe, os.Args, os.Environ())
}
