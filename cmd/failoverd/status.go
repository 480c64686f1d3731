package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg/utils"
)

const statusInterval = 10 * time.Second

// Status is the heartbeat written to the status file and published over MQTT
type Status struct {
	Timestamp     string  `json:"ts"`
	UptimeS       int64   `json:"uptime_s"`
	Version       string  `json:"version"`
	PID           int     `json:"pid"`
	Wired         string  `json:"wired"`
	Wifi          string  `json:"wifi"`
	Primary       string  `json:"primary"`
	LastOutcome   string  `json:"last_outcome"`
	LastReorderTS string  `json:"last_reorder_ts"`
	Resets        int     `json:"resets"`
	ResetErrors   int     `json:"reset_errors"`
	DryRun        bool    `json:"dry_run"`
	MemMB         float64 `json:"mem_mb"`
	Goroutines    int     `json:"goroutines"`
}

func (d *daemon) status() *Status {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := &Status{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		UptimeS:    int64(time.Since(d.started).Seconds()),
		Version:    AppVersion,
		PID:        os.Getpid(),
		Wired:      d.config.WiredInterface,
		Wifi:       d.config.WifiInterface,
		Primary:    d.engine.LastPrimary(),
		DryRun:     d.config.DryRun,
		MemMB:      float64(memStats.Alloc) / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
	}
	if last := d.engine.LastResult(); last != nil {
		s.LastOutcome = last.Outcome.String()
	}

	d.mu.Lock()
	if !d.lastReorder.IsZero() {
		s.LastReorderTS = d.lastReorder.UTC().Format(time.RFC3339)
	}
	s.Resets = d.resets
	s.ResetErrors = d.resetErrors
	d.mu.Unlock()

	return s
}

// statusLoop refreshes the status file and MQTT status until ctx is done
func (d *daemon) statusLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Status writer stopped")
			return
		case <-ticker.C:
			d.writeStatus()
		}
	}
}

func (d *daemon) writeStatus() {
	status := d.status()

	if d.config.StatusFile != "" {
		if err := writeStatusFile(d.config.StatusFile, status); err != nil {
			d.logger.Error("Failed to write status file", "error", err, "file", d.config.StatusFile)
		} else {
			d.logger.Trace("Status written", "file", d.config.StatusFile, "uptime_s", status.UptimeS)
		}
	}

	if d.mqtt != nil {
		if err := d.mqtt.PublishStatus(status); err != nil {
			d.logger.Warn("Failed to publish status", "error", err)
		}
	}
}

// writeStatusFile replaces path atomically
func writeStatusFile(path string, status *Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}
