package main

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	watchdogInterval     = 60 * time.Second
	overdueSweepInterval = time.Hour
	limiterPruneInterval = 5 * time.Minute
)

// schedulerLogger routes gocron's own logging through zerolog
type schedulerLogger struct{}

func (schedulerLogger) Debug(msg string, args ...any) { logScheduler(log.Debug(), msg, args) }
func (schedulerLogger) Info(msg string, args ...any)  { logScheduler(log.Info(), msg, args) }
func (schedulerLogger) Warn(msg string, args ...any)  { logScheduler(log.Warn(), msg, args) }
func (schedulerLogger) Error(msg string, args ...any) { logScheduler(log.Error(), msg, args) }

func logScheduler(e *zerolog.Event, msg string, args []any) {
	if len(args) > 0 {
		e = e.Fields(args)
	}
	e.Msg("[Scheduler] " + msg)
}

type scheduledJob struct {
	name      string
	def       gocron.JobDefinition
	immediate bool
	run       func(ctx context.Context)
}

// Scheduler owns the background jobs. Every job runs in singleton mode so a
// slow run is never overlapped by the next one.
type Scheduler struct {
	s      gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// newScheduler registers the recurring jobs of app without starting them
func newScheduler(app *App) (*Scheduler, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(schedulerLogger{}),
	)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched := &Scheduler{s: s, ctx: ctx, cancel: cancel}

	jobs := []scheduledJob{
		{"stale-server-watchdog", gocron.DurationJob(watchdogInterval), false, func(ctx context.Context) {
			if _, err := app.store.MarkStaleServers(ctx); err != nil {
				log.Error().Err(err).Msg("[Watchdog] Sweep failed")
			}
		}},
		{"site-probe-cycle", gocron.DurationJob(app.cfg.Probe.Interval), true, func(ctx context.Context) {
			app.monitor.CheckAllSites(ctx)
		}},
		{"overdue-invoice-sweep", gocron.DurationJob(overdueSweepInterval), true, func(ctx context.Context) {
			if _, err := app.invoices.CheckOverdueInvoices(ctx); err != nil {
				log.Error().Err(err).Msg("[Invoices] Overdue sweep failed")
			}
		}},
		{"metric-retention", gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))), false, func(ctx context.Context) {
			purgeExpiredMetrics(ctx, app.db, time.Now().UTC())
		}},
		{"monthly-snapshot", gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(1, 0, 0))), false, func(ctx context.Context) {
			if _, err := app.pricing.UpdateAllSuggestedPrices(ctx); err != nil {
				log.Error().Err(err).Msg("[Pricing] Nightly recalculation failed")
				return
			}
			if _, err := app.aggregator.CalculateCurrentMonth(ctx); err != nil {
				log.Error().Err(err).Msg("[Financials] Nightly snapshot failed")
			}
		}},
		{"ingest-limiter-prune", gocron.DurationJob(limiterPruneInterval), false, func(context.Context) {
			if n := app.limiter.Prune(); n > 0 {
				log.Debug().Int("removed", n).Msg("[API] Pruned idle rate limiters")
			}
		}},
	}
	if app.agent != nil {
		jobs = append(jobs, scheduledJob{"host-agent", gocron.DurationJob(app.cfg.Agent.Interval), true, func(ctx context.Context) {
			if err := app.agent.Collect(ctx); err != nil {
				log.Warn().Err(err).Msg("[Agent] Failed to record host sample")
			}
		}})
	}

	for _, j := range jobs {
		opts := []gocron.JobOption{
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if j.immediate {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}
		run := j.run
		if _, err := s.NewJob(j.def, gocron.NewTask(func() { run(sched.ctx) }), opts...); err != nil {
			cancel()
			s.Shutdown()
			return nil, err
		}
		log.Debug().Str("job", j.name).Msg("[Scheduler] Job registered")
	}
	return sched, nil
}

// Start begins running the jobs
func (sc *Scheduler) Start() {
	sc.s.Start()
	log.Info().Int("jobs", len(sc.s.Jobs())).Msg("[Scheduler] Started")
}

// Shutdown cancels running jobs and waits for them to return
func (sc *Scheduler) Shutdown() error {
	sc.cancel()
	return sc.s.Shutdown()
}
