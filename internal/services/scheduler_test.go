package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerLocker_OneOwnerPerSlot(t *testing.T) {
	db := setupTestDB(t)
	a, b := NewSchedulerLocker(db), NewSchedulerLocker(db)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "purge_processed", "2026-10-14T02:00", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "purge_processed", "2026-10-14T02:00", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second replica loses the slot")

	ok, err = b.TryAcquire(ctx, "purge_processed", "2026-10-15T02:00", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = a.TryAcquire(ctx, "expired", "k", -time.Minute)
	require.NoError(t, err)
	n, err := a.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepScheduler_TriggerClaimsSlotOnce(t *testing.T) {
	db := setupTestDB(t)
	runs := 0
	s, err := NewSweepScheduler(NewSchedulerLocker(db), []ScheduledJob{{
		Name: "count",
		Spec: "@every 1h",
		Run:  func(context.Context) error { runs++; return nil },
	}})
	require.NoError(t, err)
	fixed := time.Date(2026, 10, 14, 9, 30, 12, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Trigger("count"))
	require.NoError(t, s.Trigger("count"))
	assert.Equal(t, 1, runs, "same minute slot runs once")

	fixed = fixed.Add(time.Minute)
	require.NoError(t, s.Trigger("count"))
	assert.Equal(t, 2, runs)

	assert.Error(t, s.Trigger("missing"))
}

func TestSweepScheduler_SubMinuteSlots(t *testing.T) {
	db := setupTestDB(t)
	runs := 0
	s, err := NewSweepScheduler(NewSchedulerLocker(db), []ScheduledJob{{
		Name: "sweep_pending",
		Spec: "@every 20s",
		Slot: 20 * time.Second,
		Run:  func(context.Context) error { runs++; return nil },
	}})
	require.NoError(t, err)
	fixed := time.Date(2026, 10, 14, 9, 30, 1, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Trigger("sweep_pending"))
	fixed = fixed.Add(5 * time.Second)
	require.NoError(t, s.Trigger("sweep_pending"))
	assert.Equal(t, 1, runs, "same 20s slot runs once")

	fixed = fixed.Add(20 * time.Second)
	require.NoError(t, s.Trigger("sweep_pending"))
	fixed = fixed.Add(20 * time.Second)
	require.NoError(t, s.Trigger("sweep_pending"))
	assert.Equal(t, 3, runs, "every firing within the minute gets its own slot")
}

func TestDefaultSchedule_PendingSlotFollowsInterval(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	cfg := config.DefaultConfig()
	cfg.Pipeline.PendingSweepInterval = 15 * time.Second
	jobs := DefaultSchedule(cfg, tp.Pipeline, NewSystemLogService(tp.db), NewSchedulerLocker(tp.db))
	require.NotEmpty(t, jobs)
	assert.Equal(t, "sweep_pending", jobs[0].Name)
	assert.Equal(t, 15*time.Second, jobs[0].Slot)
	assert.Equal(t, "@every 15s", jobs[0].Spec)
}

func TestSweepScheduler_FailureAlerts(t *testing.T) {
	db := setupTestDB(t)
	boom := errors.New("disk full")
	s, err := NewSweepScheduler(NewSchedulerLocker(db), []ScheduledJob{{
		Name: "purge_processed",
		Spec: "@daily",
		Run:  func(context.Context) error { return boom },
	}})
	require.NoError(t, err)
	alerts := &recordingAlerter{}
	s.SetAlerter(alerts)

	assert.ErrorIs(t, s.Trigger("purge_processed"), boom)
	titles, texts := alerts.got()
	require.Len(t, titles, 1)
	assert.Contains(t, titles[0], "purge_processed")
	assert.Equal(t, "disk full", texts[0])
}

func TestNewSweepScheduler_RejectsBadJobs(t *testing.T) {
	db := setupTestDB(t)
	locks := NewSchedulerLocker(db)
	noop := func(context.Context) error { return nil }

	_, err := NewSweepScheduler(locks, []ScheduledJob{{Name: "a", Spec: "@daily", Run: noop}, {Name: "a", Spec: "@daily", Run: noop}})
	assert.Error(t, err)

	_, err = NewSweepScheduler(locks, []ScheduledJob{{Name: "a", Spec: "whenever", Run: noop}})
	assert.Error(t, err)
}

func TestDefaultSchedule_Jobs(t *testing.T) {
	tp := newTestPipeline(t, &stubAnnotator{})
	cfg := config.DefaultConfig()
	locks := NewSchedulerLocker(tp.db)
	jobs := DefaultSchedule(cfg, tp.Pipeline, NewSystemLogService(tp.db), locks)

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"sweep_pending", "purge_processed", "system_log_cleanup"}, names)

	s, err := NewSweepScheduler(locks, jobs)
	require.NoError(t, err)
	require.NoError(t, s.Trigger("sweep_pending"))
	waitQueue(t, tp.queue)
}

func TestDefaultSchedule_PurgeUsesRetention(t *testing.T) {
	tp := newTestPipelineWith(t, &stubAnnotator{}, func(cfg *config.Config) {
		cfg.Pipeline.RetentionDays = 7
	})
	recent := seedFeedback(t, tp.db, tp.entity.ID, "last week", models.StatusProcessed)
	old := seedFeedback(t, tp.db, tp.entity.ID, "last month", models.StatusProcessed)
	tp.db.Model(recent).Update("processed_at", time.Now().UTC().AddDate(0, 0, -6))
	tp.db.Model(old).Update("processed_at", time.Now().UTC().AddDate(0, 0, -30))

	locks := NewSchedulerLocker(tp.db)
	s, err := NewSweepScheduler(locks, DefaultSchedule(config.DefaultConfig(), tp.Pipeline, NewSystemLogService(tp.db), locks))
	require.NoError(t, err)
	require.NoError(t, s.Trigger("purge_processed"))
	waitQueue(t, tp.queue)

	var ids []uint
	tp.db.Model(&models.Feedback{}).Order("id").Pluck("id", &ids)
	assert.Equal(t, []uint{recent.ID}, ids, "window comes from the pipeline config")
}
