package monitoring

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sitevault/sitevault-be/internal/services"
)

const diskCheckInterval = 5 * time.Minute

// DiskWatcher periodically checks free space on the backup volume and raises
// a warning event before jobs start failing for lack of space.
type DiskWatcher struct {
	path     string
	minFree  uint64
	eventSvc services.EventServiceProvider
	notifier services.Notifier
	ticker   *time.Ticker
	done     chan bool
	lowSince time.Time
}

// NewDiskWatcher creates a new DiskWatcher for the given path.
func NewDiskWatcher(path string, minFreeBytes uint64, eventSvc services.EventServiceProvider, notifier services.Notifier) *DiskWatcher {
	return &DiskWatcher{
		path:     path,
		minFree:  minFreeBytes,
		eventSvc: eventSvc,
		notifier: notifier,
		done:     make(chan bool),
	}
}

// Run starts the periodic checks.
func (dw *DiskWatcher) Run() {
	log.Info().Str("path", dw.path).Msg("Starting backup volume disk watcher...")
	dw.ticker = time.NewTicker(diskCheckInterval)
	defer dw.ticker.Stop()

	// Run once immediately on start
	dw.check()

	for {
		select {
		case <-dw.done:
			log.Info().Msg("Stopping backup volume disk watcher.")
			return
		case <-dw.ticker.C:
			dw.check()
		}
	}
}

// Stop halts the periodic checks.
func (dw *DiskWatcher) Stop() {
	dw.done <- true
}

func (dw *DiskWatcher) check() {
	usage, err := disk.Usage(dw.path)
	if err != nil {
		log.Warn().Err(err).Str("path", dw.path).Msg("DiskWatcher: could not read disk usage")
		return
	}

	if dw.notifier != nil {
		dw.notifier.Notify("monitor.disk", map[string]uint64{
			"free":  usage.Free,
			"total": usage.Total,
		})
	}

	if usage.Free >= dw.minFree {
		dw.lowSince = time.Time{}
		return
	}

	// Only raise one event per low-space episode, not one per tick.
	if dw.lowSince.IsZero() {
		dw.lowSince = time.Now()
		msg := fmt.Sprintf("Backup volume low on space: %d MB free.", usage.Free/(1024*1024))
		log.Warn().Uint64("free_bytes", usage.Free).Msg("DiskWatcher: backup volume low on space")
		if err := dw.eventSvc.CreateEvent("monitor.disk.low", "warn", msg); err != nil {
			log.Error().Err(err).Msg("DiskWatcher: failed to record low-space event")
		}
	}
}
