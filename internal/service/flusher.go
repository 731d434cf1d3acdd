package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
)

// NewFlusher schedules shipping of the log batch to sink independently of
// the change feed heartbeat. A zero schedule returns a nil scheduler.
func NewFlusher(ctx context.Context, sched model.Schedule, batch Batch, sink log.Sink) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case sched.Cron != "":
		job = gocron.CronJob(sched.Cron, false)
		slog.DebugContext(ctx, "log flush scheduled", "cron", sched.Cron)
	case sched.Every > 0:
		job = gocron.DurationJob(sched.Every)
		slog.DebugContext(ctx, "log flush scheduled", "duration", sched.Every.String())
	default:
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			if batch.Len() == 0 {
				return
			}
			if err := batch.Flush(ctx, sink); err != nil {
				slog.WarnContext(ctx, "scheduled log flush", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
