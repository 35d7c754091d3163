// Package config holds the typed global settings table and the
// persisted-override layer backed by the metadata mirror.
package config

import (
	"fmt"
	"sync"

	"tachyondl/internal/model"
)

// Store keys for persisted overrides (mirror.AppSetting rows).
const (
	KeyThreadConnections   = "download_default_thread_connections"
	KeyBufferSize          = "download_buffer_size"
	KeyMaxNetworkSpeed     = "download_max_network_speed"
	KeyWifiOnly            = "download_wifi_only"
	KeyAutoResume          = "download_auto_resume"
	KeyAutoResumeMaxErrors = "download_auto_resume_max_errors"
	KeyHTTPUserAgent       = "download_http_user_agent"
	KeyBrowserUserAgent    = "browser_http_user_agent"
	KeyReadTimeoutMs       = "download_max_http_reading_timeout"
	KeyPlaySound           = "download_play_notification_sound"
	KeyMaxParallelJobs     = "max_parallel_downloads"
	KeyRecordStoreWorkers  = "record_store_concurrency"
	KeyEnableControlSurface = "enable_control_surface"
	KeyControlSurfacePort  = "control_surface_port"
)

// GlobalSettings is the live, mutable configuration table described by
// spec.md §6. A snapshot of the download_* fields is embedded into
// every JobRecord at admission time (model.GlobalSettingsSnapshot).
type GlobalSettings struct {
	mu sync.RWMutex

	ThreadConnections   int
	BufferSize          int
	MaxNetworkSpeed     int64 // bytes/sec, 0 = unlimited
	WifiOnly            bool
	AutoResume          bool
	AutoResumeMaxErrors int
	HTTPUserAgent       string
	BrowserUserAgent    string
	ReadTimeoutMs       int
	PlaySound           bool

	AutoRemoveTasks        bool
	AutoRemoveAfterNDays   int
	AutoLinkRedirection    bool

	MaxParallelDownloads  int
	RecordStoreWorkers    int
	EnableControlSurface  bool
	ControlSurfacePort    int
}

// Defaults returns the factory configuration, matching the teacher's
// ConfigManager defaults in shape if not in value (this domain's
// defaults come from spec.md §6, not the teacher's download manager).
func Defaults() *GlobalSettings {
	return &GlobalSettings{
		ThreadConnections:    4,
		BufferSize:           32 * 1024,
		MaxNetworkSpeed:      0,
		WifiOnly:             false,
		AutoResume:           true,
		AutoResumeMaxErrors:  5,
		HTTPUserAgent:        "tachyondl/1.0",
		BrowserUserAgent:     "",
		ReadTimeoutMs:        30000,
		PlaySound:            false,
		AutoRemoveTasks:      false,
		AutoRemoveAfterNDays: 0,
		AutoLinkRedirection:  true,
		MaxParallelDownloads: 3,
		RecordStoreWorkers:   50,
		EnableControlSurface: false,
		ControlSurfacePort:   47990,
	}
}

// Snapshot returns the download_* fields as embedded in a JobRecord at
// admission time.
func (g *GlobalSettings) Snapshot() model.GlobalSettingsSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return model.GlobalSettingsSnapshot{
		ThreadConnections:   g.ThreadConnections,
		BufferSize:          g.BufferSize,
		MaxNetworkSpeed:     g.MaxNetworkSpeed,
		WifiOnly:            g.WifiOnly,
		AutoResume:          g.AutoResume,
		AutoResumeMaxErrors: g.AutoResumeMaxErrors,
		HTTPUserAgent:       g.HTTPUserAgent,
		BrowserUserAgent:    g.BrowserUserAgent,
		ReadTimeoutMs:       g.ReadTimeoutMs,
		PlaySound:           g.PlaySound,
	}
}

// RetentionPolicy reports whether completed jobs are auto-purged past
// a retention window, and the window's length in days.
func (g *GlobalSettings) RetentionPolicy() (enabled bool, days int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.AutoRemoveTasks, g.AutoRemoveAfterNDays
}

// Apply overwrites the download_* fields from a snapshot under the
// write lock, matching Snapshot's locking discipline so a concurrent
// reader never observes a torn update.
func (g *GlobalSettings) Apply(snap model.GlobalSettingsSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ThreadConnections = snap.ThreadConnections
	g.BufferSize = snap.BufferSize
	g.MaxNetworkSpeed = snap.MaxNetworkSpeed
	g.WifiOnly = snap.WifiOnly
	g.AutoResume = snap.AutoResume
	g.AutoResumeMaxErrors = snap.AutoResumeMaxErrors
	g.HTTPUserAgent = snap.HTTPUserAgent
	g.BrowserUserAgent = snap.BrowserUserAgent
	g.ReadTimeoutMs = snap.ReadTimeoutMs
	g.PlaySound = snap.PlaySound
}

// PersistedOverrides is the subset of settings a Config Store backend
// (the metadata mirror's AppSetting table, or any other key/value
// source) can supply to override the factory defaults.
type PersistedOverrides interface {
	GetString(key string) (string, bool)
	SetString(key, value string) error
}

// Store wires GlobalSettings to a PersistedOverrides backend. When the
// backend is nil, Load is a no-op and the in-process defaults
// stand — the mirror being unavailable must never block startup.
type Store struct {
	settings *GlobalSettings
	backend  PersistedOverrides
}

func NewStore(settings *GlobalSettings, backend PersistedOverrides) *Store {
	return &Store{settings: settings, backend: backend}
}

func (s *Store) Settings() *GlobalSettings { return s.settings }

// Load applies persisted overrides found in the backend on top of the
// in-memory defaults. Only KeyThreadConnections, KeyMaxNetworkSpeed,
// KeyWifiOnly, KeyAutoResume and KeyMaxParallelJobs are read; the other
// keys are not consulted. Missing keys keep the default value.
func (s *Store) Load() {
	if s.backend == nil {
		return
	}
	g := s.settings
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := s.backend.GetString(KeyThreadConnections); ok {
		if n, err := parseInt(v); err == nil {
			g.ThreadConnections = n
		}
	}
	if v, ok := s.backend.GetString(KeyMaxNetworkSpeed); ok {
		if n, err := parseInt64(v); err == nil {
			g.MaxNetworkSpeed = n
		}
	}
	if v, ok := s.backend.GetString(KeyWifiOnly); ok {
		g.WifiOnly = v == "true"
	}
	if v, ok := s.backend.GetString(KeyAutoResume); ok {
		g.AutoResume = v == "true"
	}
	if v, ok := s.backend.GetString(KeyMaxParallelJobs); ok {
		if n, err := parseInt(v); err == nil {
			g.MaxParallelDownloads = n
		}
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscan(s, &n)
	return n, err
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscan(s, &n)
	return n, err
}
