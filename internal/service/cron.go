package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/autometrics-dev/am/internal/model"
)

// checkUpdates looks for a newer am release on schedule until ctx is
// canceled. An available update is only announced, `am update` applies it.
func checkUpdates(ctx context.Context, schedule string, updates UpdateChecker) error {
	scheduler, err := newScheduler(ctx, schedule, func() {
		announceUpdate(ctx, updates)
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func announceUpdate(ctx context.Context, updates UpdateChecker) {
	a, err := updates.Check(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "checking for am updates failed", "err", err)
		}
	case a != nil:
		slog.InfoContext(ctx, "a new version of am is available, run `am update` to install it", "version", a.Version)
	}
}

func newScheduler(ctx context.Context, schedule string, task func()) (gocron.Scheduler, error) {
	if _, err := model.ParseSchedule(schedule); err != nil {
		return nil, fmt.Errorf("parsing update.schedule: %w", err)
	}
	job := gocron.CronJob(schedule, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", schedule)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
