// Package netmon answers the network-discipline questions the Job
// Engine's retry gate and progress tick consult: is any interface up,
// is it wifi-only compliant, and is the internet actually reachable.
package netmon

import (
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/showwin/speedtest-go/speedtest"
)

// cacheTTL bounds how often the expensive reachability probe runs.
const cacheTTL = 15 * time.Second

// wifiPrefixes is a crude but effective heuristic for identifying wifi
// adapters by interface name across the platforms gopsutil supports.
var wifiPrefixes = []string{"wlan", "wl", "wi-fi", "wifi", "en0"}

// Monitor tracks interface and reachability state for the Job Engine's
// network discipline checks.
type Monitor struct {
	mu              sync.Mutex
	lastReachCheck  time.Time
	lastReachable   bool
	lastReachErr    error
}

func NewMonitor() *Monitor { return &Monitor{} }

// Available reports whether any non-loopback network interface is up.
func (m *Monitor) Available() bool {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return true // fail open: don't block downloads on a probe error
	}
	for _, iface := range ifaces {
		up := false
		for _, f := range iface.Flags {
			if f == "up" {
				up = true
				break
			}
		}
		if up && !isLoopback(iface) {
			return true
		}
	}
	return false
}

// WifiCompliant reports whether at least one up, non-loopback
// interface looks like a wifi adapter. Callers only consult this when
// GlobalSettings.WifiOnly is set.
func (m *Monitor) WifiCompliant() bool {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return true
	}
	for _, iface := range ifaces {
		up := false
		for _, f := range iface.Flags {
			if f == "up" {
				up = true
				break
			}
		}
		if !up || isLoopback(iface) {
			continue
		}
		name := strings.ToLower(iface.Name)
		for _, p := range wifiPrefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
	}
	return false
}

// InternetReachable performs a cheap reachability check, cached for
// cacheTTL. It reuses the speed-test client's user-info fetch as a
// low-cost oracle rather than running a full speed test.
func (m *Monitor) InternetReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastReachCheck) < cacheTTL {
		return m.lastReachable
	}

	_, err := speedtest.FetchUserInfo()
	m.lastReachCheck = time.Now()
	m.lastReachable = err == nil
	m.lastReachErr = err
	return m.lastReachable
}

// LastReachabilityError returns the error from the most recent
// reachability probe, if any.
func (m *Monitor) LastReachabilityError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReachErr
}

func isLoopback(iface psnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if f == "loopback" {
			return true
		}
	}
	return strings.HasPrefix(iface.Name, "lo")
}
