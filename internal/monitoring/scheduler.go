package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/sitevault/sitevault-be/internal/services"
)

// schedulerTickInterval is how often the scheduler checks for due work. A
// requested run fires on the next tick, "as soon as possible" rather than
// immediately.
const schedulerTickInterval = 30 * time.Second

// jobTimeout bounds one backup job. Jobs run for minutes on large sites, so
// this is a generous ceiling, not a request timeout.
const jobTimeout = 30 * time.Minute

// Scheduler triggers backup jobs: one-shot runs requested through the state
// store and, optionally, a recurring cron schedule.
type Scheduler struct {
	stateSvc  services.StateServiceProvider
	backupSvc services.BackupServiceProvider
	eventSvc  services.EventServiceProvider
	schedule  cron.Schedule // nil when no recurring schedule is configured
	nextRun   time.Time
	ticker    *time.Ticker
	done      chan bool
}

// NewScheduler creates a new scheduler instance. cronExpr may be empty to
// disable recurring backups.
func NewScheduler(stateSvc services.StateServiceProvider, backupSvc services.BackupServiceProvider, eventSvc services.EventServiceProvider, cronExpr string) (*Scheduler, error) {
	s := &Scheduler{
		stateSvc:  stateSvc,
		backupSvc: backupSvc,
		eventSvc:  eventSvc,
		done:      make(chan bool),
	}
	if cronExpr != "" {
		schedule, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid backup schedule %q: %w", cronExpr, err)
		}
		s.schedule = schedule
		s.nextRun = schedule.Next(time.Now())
	}
	return s, nil
}

// Run starts the scheduler's ticking loop.
func (s *Scheduler) Run() {
	log.Info().Msg("Starting background backup scheduler...")
	s.ticker = time.NewTicker(schedulerTickInterval)
	defer s.ticker.Stop()

	// Run once immediately on start
	s.tick()

	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping background backup scheduler.")
			return
		case <-s.ticker.C:
			s.tick()
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.done <- true
}

// tick fires due work. Jobs run synchronously inside the tick: one backup at
// a time, for its full duration, never in parallel with another.
func (s *Scheduler) tick() {
	due := false

	pending, err := s.stateSvc.TakePendingRun()
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to read pending trigger")
	} else if pending {
		due = true
	}

	if s.schedule != nil {
		now := time.Now()
		if now.After(s.nextRun) {
			due = true
			s.nextRun = s.schedule.Next(now)
		}
	}

	if due {
		s.execute()
	}
}

// execute drives one job through the state store: win the flag, run, record
// the result, clear the flag. The orchestrator itself stays a pure compute
// step.
func (s *Scheduler) execute() {
	won, err := s.stateSvc.TryStart()
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to acquire running flag")
		return
	}
	if !won {
		log.Warn().Msg("Scheduler: backup already running, skipping trigger")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	result := s.backupSvc.RunOnce(ctx)

	if err := s.stateSvc.RecordResult(result); err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to record backup result")
	}
	if err := s.stateSvc.Cancel(); err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to clear running flag")
	}
}
