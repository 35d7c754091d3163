// Package model defines the durable job record and the configuration
// snapshot embedded in it.
package model

import "time"

// Status is the lifecycle state of a JobRecord.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED" // aka CLOSE in the source app
	StatusComplete    Status = "COMPLETE"
)

// PartPlan is one byte-range segment of a JobRecord's plan.
type PartPlan struct {
	Start      int64   `json:"start"`
	End        int64   `json:"end"` // inclusive
	ChunkSize  int64   `json:"chunk_size"`
	Downloaded int64   `json:"downloaded"`
	Percent    float64 `json:"percent"`
}

// JobRecord is the durable unit persisted by the Record Store. Its JSON
// keys match spec.md §3 (the Go field names follow Go convention) so the
// on-disk JSON stays a direct, auditable mirror of the specification's
// vocabulary.
type JobRecord struct {
	// Identity
	JobID string `json:"job_id"`

	// Source
	FileURL            string `json:"file_url"`
	Referrer           string `json:"referrer,omitempty"`
	CookieString       string `json:"cookie_string,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	FromBrowser        bool   `json:"from_browser"`

	// Target
	DestinationPath string `json:"destination_path"`
	FileName        string `json:"file_name"`
	FileDirectory   string `json:"file_directory"`

	// Server facts
	TotalSize           int64  `json:"total_size"` // -1 when unknown
	SizeKnown            bool   `json:"size_known"`
	ResumeSupported      bool   `json:"resume_supported"`
	MultipartSupported   bool   `json:"multipart_supported"`
	Checksum             string `json:"checksum,omitempty"` // "<algo>:<hex>"

	// Plan
	ThreadCount int        `json:"thread_count"`
	Parts       []PartPlan `json:"parts"`

	// Aggregate progress
	DownloadedBytes  int64   `json:"downloaded_bytes"`
	ProgressPercent  float64 `json:"progress_percent"`
	AverageSpeed     float64 `json:"average_speed"`
	RealtimeSpeed    float64 `json:"realtime_speed"`
	MaxSpeed         float64 `json:"max_speed"`
	TimeSpentMs      int64   `json:"time_spent_ms"`
	RemainingTimeS   float64 `json:"remaining_time_s"`
	LastModifiedMs   int64   `json:"last_modified_ms"`
	StartTimeMs      int64   `json:"start_time_ms"`
	CompletedAtMs    int64   `json:"completed_at_ms,omitempty"`

	// State
	Status                 Status `json:"status"`
	IsRunning              bool   `json:"is_running"`
	IsComplete             bool   `json:"is_complete"`
	IsRemoved              bool   `json:"is_removed"`
	IsDeleted              bool   `json:"is_deleted"`
	IsWaitingForNetwork    bool   `json:"is_waiting_for_network"`
	IsURLExpired           bool   `json:"is_url_expired"`
	IsDestMissing          bool   `json:"is_dest_missing"`
	FailedToAccessFile     bool   `json:"failed_to_access_file"`
	TotalConnectionRetries int    `json:"total_connection_retries"`
	UserStatusText         string `json:"user_status_text"`

	// Configuration snapshot (see config.GlobalSettings)
	Settings GlobalSettingsSnapshot `json:"settings"`
}

// GlobalSettingsSnapshot is the subset of config.GlobalSettings embedded
// verbatim into a JobRecord at admission time, per spec.md §3
// "Configuration: embedded GlobalSettings snapshot". Duplicated here
// (rather than importing internal/config) to keep the persisted shape
// stable even if the live config type grows fields later.
type GlobalSettingsSnapshot struct {
	ThreadConnections  int    `json:"download_default_thread_connections"`
	BufferSize         int    `json:"download_buffer_size"`
	MaxNetworkSpeed    int64  `json:"download_max_network_speed"`
	WifiOnly           bool   `json:"download_wifi_only"`
	AutoResume         bool   `json:"download_auto_resume"`
	AutoResumeMaxErrors int   `json:"download_auto_resume_max_errors"`
	HTTPUserAgent      string `json:"download_http_user_agent"`
	BrowserUserAgent   string `json:"browser_http_user_agent"`
	ReadTimeoutMs      int    `json:"download_max_http_reading_timeout"`
	PlaySound          bool   `json:"download_play_notification_sound"`
}

// DownloadedSum returns the sum of the per-part counters, the value the
// invariant from spec.md §3 requires downloaded_bytes to equal. It does
// not update DownloadedBytes.
func (r *JobRecord) DownloadedSum() int64 {
	var total int64
	for _, p := range r.Parts {
		total += p.Downloaded
	}
	return total
}

// Now returns the current wall-clock time. The job engine and scheduler
// call time.Now directly rather than going through this function.
func Now() time.Time { return time.Now() }
