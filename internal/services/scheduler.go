package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchedulerLocker hands out one run slot of a periodic job to a single
// replica, using a unique (name, key) row.
type SchedulerLocker struct {
	db    *gorm.DB
	owner string
}

func NewSchedulerLocker(db *gorm.DB) *SchedulerLocker {
	host, _ := os.Hostname()
	return &SchedulerLocker{db: db, owner: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])}
}

// TryAcquire returns true when this replica owns the slot.
func (l *SchedulerLocker) TryAcquire(ctx context.Context, name, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lock := models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  l.owner,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CleanupExpired removes lock rows past their expiry.
func (l *SchedulerLocker) CleanupExpired(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Where("expires_at < ?", time.Now().UTC()).Delete(&models.SchedulerLock{})
	return res.RowsAffected, res.Error
}

// ScheduledJob is one (name, cron spec, job) entry of the schedule.
// Slot is the width of the lock slot a firing claims; it defaults to a
// minute and must not exceed the job's interval.
type ScheduledJob struct {
	Name    string
	Spec    string
	Slot    time.Duration
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// SweepScheduler runs an explicit list of periodic jobs on robfig/cron.
// Each firing first claims its time slot through the SchedulerLocker, so
// only one replica runs it.
type SweepScheduler struct {
	cron   *cron.Cron
	locks  *SchedulerLocker
	jobs   map[string]ScheduledJob
	order  []string
	now    func() time.Time
	log    zerolog.Logger
	alert  Alerter
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweepScheduler(locks *SchedulerLocker, jobs []ScheduledJob) (*SweepScheduler, error) {
	log := logger.Component("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &SweepScheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		locks:  locks,
		jobs:   make(map[string]ScheduledJob, len(jobs)),
		now:    time.Now,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, job := range jobs {
		if _, dup := s.jobs[job.Name]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate scheduled job %q", job.Name)
		}
		if job.LockTTL <= 0 {
			job.LockTTL = time.Hour
		}
		if job.Slot <= 0 {
			job.Slot = time.Minute
		}
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s (%s): %w", job.Name, job.Spec, err)
		}
		s.jobs[job.Name] = job
		s.order = append(s.order, job.Name)
	}
	return s, nil
}

// DefaultSchedule is the production job list. Sweeps are enqueued as tasks
// so that with Redis any worker replica may run them.
func DefaultSchedule(cfg *config.Config, p *Pipeline, logs *SystemLogService, locks *SchedulerLocker) []ScheduledJob {
	return []ScheduledJob{
		{
			Name:    "sweep_pending",
			Spec:    "@every " + cfg.Pipeline.PendingSweepInterval.String(),
			Slot:    cfg.Pipeline.PendingSweepInterval,
			LockTTL: time.Hour,
			Run: func(ctx context.Context) error {
				task, err := NewTask(TaskTypeSweepPending, EmptyPayload{})
				if err != nil {
					return err
				}
				_, err = p.Queue.Enqueue(ctx, task)
				return err
			},
		},
		{
			Name:    "purge_processed",
			Spec:    cfg.Pipeline.PurgeSchedule,
			LockTTL: 48 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := p.EnqueuePurge(ctx)
				return err
			},
		},
		{
			Name:    "system_log_cleanup",
			Spec:    "@daily",
			LockTTL: 48 * time.Hour,
			Run: func(ctx context.Context) error {
				deleted, err := logs.CleanupOldLogs(cfg.Pipeline.LogRetentionDays)
				if err != nil {
					return err
				}
				locksDeleted, err := locks.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int64("logs_deleted", deleted).Int64("locks_deleted", locksDeleted).Msg("cleanup finished")
				return nil
			},
		},
	}
}

// SetAlerter reports failed firings to a.
func (s *SweepScheduler) SetAlerter(a Alerter) {
	s.alert = a
}

func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.log.Info().Strs("jobs", s.order).Msg("scheduler started")
}

// Stop waits for running jobs, at most until ctx ends.
func (s *SweepScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
	s.cancel()
}

// Trigger runs a job now, through the same slot lock as a scheduled firing.
func (s *SweepScheduler) Trigger(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown scheduled job %q", name)
	}
	return s.fire(job)
}

func (s *SweepScheduler) fire(job ScheduledJob) error {
	key := s.now().UTC().Truncate(job.Slot).Format("2006-01-02T15:04:05")
	acquired, err := s.locks.TryAcquire(s.ctx, job.Name, key, job.LockTTL)
	if err != nil {
		s.log.Error().Str("job", job.Name).Err(err).Msg("acquire scheduler lock")
		return err
	}
	if !acquired {
		s.log.Debug().Str("job", job.Name).Str("slot", key).Msg("slot taken by another replica, skipped")
		return nil
	}

	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.log.Error().Str("job", job.Name).Dur("took", time.Since(start)).Err(err).Msg("scheduled job failed")
		sendAlert(s.ctx, s.alert, "Scheduled job "+job.Name+" failed", err.Error())
		return err
	}
	s.log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("scheduled job done")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
