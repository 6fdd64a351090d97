// Package jobs runs the service's periodic background work.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/platform/auth"
)

// DefaultNoShowSpec runs the sweep shortly after local midnight.
const DefaultNoShowSpec = "10 0 * * *"

// Sweeper marks overdue bookings as no-shows.
type Sweeper interface {
	SweepNoShows(ctx context.Context, asOf time.Time) (int, error)
}

// TenantRunner runs fn with ctx scoped to one tenant's schema.
type TenantRunner func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// TenantLister reports which tenants a job must visit.
type TenantLister func(ctx context.Context) ([]string, error)

// NoShowSweep sweeps every tenant in turn. A failing tenant is logged and
// does not stop the others.
type NoShowSweep struct {
	Tenants TenantLister
	Run     TenantRunner
	Sweeper Sweeper
	Logger  zerolog.Logger
	Now     func() time.Time
	Timeout time.Duration
}

// Execute performs one sweep and returns the number of bookings marked per
// tenant.
func (j *NoShowSweep) Execute(ctx context.Context) (map[string]int, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	tenants, err := j.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	asOf := now()
	swept := make(map[string]int, len(tenants))
	var failed int
	for _, tenant := range tenants {
		err := j.Run(ctx, tenant, func(ctx context.Context) error {
			n, err := j.Sweeper.SweepNoShows(auth.WithActor(ctx, auth.SystemActor), asOf)
			swept[tenant] = n
			return err
		})
		if err != nil {
			failed++
			j.Logger.Error().Err(err).Str("tenant_id", tenant).Msg("no-show sweep failed")
			continue
		}
		j.Logger.Info().Str("tenant_id", tenant).Int("swept", swept[tenant]).Msg("no-show sweep finished")
	}
	if failed > 0 && failed == len(tenants) {
		return swept, fmt.Errorf("no-show sweep failed for all %d tenants", failed)
	}
	return swept, nil
}

// Scheduler wraps a cron runner whose jobs never overlap themselves and
// survive panics.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

func NewScheduler(loc *time.Location, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "jobs").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// AddNoShowSweep registers job on spec (standard five-field cron syntax).
func (s *Scheduler) AddNoShowSweep(spec string, job *NoShowSweep) error {
	if spec == "" {
		spec = DefaultNoShowSpec
	}
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := job.Execute(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("no-show sweep run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule no-show sweep %q: %w", spec, err)
	}
	s.logger.Info().Str("spec", spec).Msg("no-show sweep scheduled")
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("jobs still running at shutdown")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
