package sender

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/ntp"
)

// SystemInfo reads the gateway's own vitals for heartbeat items.
type SystemInfo struct {
	stateDir string
	sshPort  int
	series   string
}

func NewSystemInfo(stateDir, series string, sshPort int) *SystemInfo {
	return &SystemInfo{stateDir: stateDir, series: series, sshPort: sshPort}
}

// IncrementRebootCount bumps the persistent reboot counter and
// returns the new value. Called once per daemon start, not at
// construction.
func (s *SystemInfo) IncrementRebootCount() (int, error) {
	path := filepath.Join(s.stateDir, "reboot_count")
	count := 0
	if raw, err := os.ReadFile(path); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
			count = n
		}
	}
	count++
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return count, fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(count)), 0o644); err != nil {
		return count, fmt.Errorf("persist reboot count: %w", err)
	}
	return count, nil
}

// RebootCount reads the counter without incrementing.
func (s *SystemInfo) RebootCount() int {
	raw, err := os.ReadFile(filepath.Join(s.stateDir, "reboot_count"))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return n
}

// CPUTemp reads the SoC temperature in degrees Celsius, or -1 when
// unavailable.
func (s *SystemInfo) CPUTemp() float64 {
	for _, path := range []string{
		"/sys/class/thermal/thermal_zone0/temp",
		"/sys/class/hwmon/hwmon0/temp1_input",
	} {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		return float64(milli) / 1000
	}
	return -1
}

// Heartbeat assembles the current vitals.
func (s *SystemInfo) Heartbeat(now time.Time) HeartbeatInfo {
	return HeartbeatInfo{
		Series:      s.series,
		SSHPort:     s.sshPort,
		CPUTemp:     s.CPUTemp(),
		RebootCount: s.RebootCount(),
		ReportTime:  now,
	}
}

// CheckClockDrift queries an NTP server and logs when the local clock
// drifts past the threshold. Timestamps label the cloud data, so
// drift directly corrupts dedup watermarks.
func CheckClockDrift(server string, threshold time.Duration) {
	if server == "" {
		server = "pool.ntp.org"
	}
	resp, err := ntp.Query(server)
	if err != nil {
		slog.Warn("ntp query failed", "server", server, "error", err)
		return
	}
	if err := resp.Validate(); err != nil {
		slog.Warn("ntp response invalid", "server", server, "error", err)
		return
	}
	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	if offset > threshold {
		slog.Warn("local clock drift exceeds threshold",
			"server", server,
			"offset", resp.ClockOffset.Round(time.Millisecond),
			"threshold", threshold)
		return
	}
	slog.Debug("clock drift within threshold",
		"server", server,
		"offset", resp.ClockOffset.Round(time.Millisecond))
}
