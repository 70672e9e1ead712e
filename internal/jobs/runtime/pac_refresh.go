package runtime

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"pacgen/internal/config"
	"pacgen/internal/pipeline"
	"pacgen/internal/support"
)

const pacRefreshLockKey = "pacgen:leader:pac_refresh"

type Refresher interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Outcome, error)
}

// StartPACRefreshRoutine regenerates the script on the configured cron
// schedule until ctx is done. With redis configured only the lock holder
// runs the schedule.
func StartPACRefreshRoutine(ctx context.Context, refresher Refresher) {
	if ctx == nil {
		ctx = context.Background()
	}
	updates := config.ScheduleUpdates()

	if !support.RedisConfigured() {
		runPACRefreshLoop(ctx, refresher, updates)
		return
	}

	err := support.RunWithLeader(ctx, pacRefreshLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runPACRefreshLoop(leaderCtx, refresher, updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("PAC refresh routine stopped", "error", err)
	}
}

func runPACRefreshLoop(ctx context.Context, refresher Refresher, updates <-chan string) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	current := config.GetSchedule()
	entry, err := addRefreshJob(ctx, scheduler, current, refresher)
	if err != nil {
		log.Error("Invalid refresh schedule, using default", "schedule", current, "error", err)
		current = config.DefaultSchedule
		entry, _ = addRefreshJob(ctx, scheduler, current, refresher)
	}

	triggerPACRefresh(ctx, refresher, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case spec := <-updates:
			if spec == current {
				continue
			}
			next, err := addRefreshJob(ctx, scheduler, spec, refresher)
			if err != nil {
				log.Error("Ignoring invalid refresh schedule", "schedule", spec, "error", err)
				continue
			}
			scheduler.Remove(entry)
			entry = next
			current = spec
			log.Info("PAC refresh schedule updated", "schedule", spec)
		}
	}
}

func addRefreshJob(ctx context.Context, scheduler *cron.Cron, spec string, refresher Refresher) (cron.EntryID, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return 0, err
	}
	return scheduler.AddFunc(spec, func() {
		triggerPACRefresh(ctx, refresher, "scheduled")
	})
}

// RunPACRefresh regenerates on demand; force skips the cached entity tag.
// Concurrent calls are coalesced by the refresher.
func RunPACRefresh(ctx context.Context, refresher Refresher, reason string, force bool) (*pipeline.Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return refresher.Run(ctx, pipeline.Options{Reason: reason, Force: force})
}

func triggerPACRefresh(ctx context.Context, refresher Refresher, reason string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := RunPACRefresh(ctx, refresher, reason, false); err != nil {
		log.Error("PAC refresh failed", "reason", reason, "error", err)
	}
}

// cronLogger routes scheduler messages into the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
