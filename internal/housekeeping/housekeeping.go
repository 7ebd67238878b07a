// Package housekeeping runs the periodic maintenance jobs that sit outside
// the notification path.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/repository"
)

const (
	DefaultPruneSpec = "0 3 * * *"
	DefaultRetention = 30 * 24 * time.Hour

	jobTimeout = 2 * time.Minute
)

type Options struct {
	// PruneSpec is a five-field cron expression in Location.
	PruneSpec string
	Retention time.Duration
	Location  *time.Location
	Now       func() time.Time
	Logger    zerolog.Logger
}

type Service struct {
	attendance *repository.AttendanceRepository
	opts       Options
	log        zerolog.Logger
	c          *cron.Cron
}

func New(attendance *repository.AttendanceRepository, opts Options) (*Service, error) {
	if opts.PruneSpec == "" {
		opts.PruneSpec = DefaultPruneSpec
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{attendance: attendance, opts: opts, log: opts.Logger}

	cl := cronLogger{log: opts.Logger}
	s.c = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.c.AddFunc(opts.PruneSpec, s.pruneJob); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", opts.PruneSpec, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled. A job that is
// running at that point is allowed to finish.
func (s *Service) Run(ctx context.Context) error {
	s.c.Start()
	s.log.Info().Str("prune", s.opts.PruneSpec).Str("tz", s.opts.Location.String()).Msg("housekeeping started")
	<-ctx.Done()
	<-s.c.Stop().Done()
	s.log.Info().Msg("housekeeping stopped")
	return nil
}

// NextPrune reports when the prune job fires next. Zero before Run.
func (s *Service) NextPrune() time.Time {
	if entries := s.c.Entries(); len(entries) > 0 {
		return entries[0].Next
	}
	return time.Time{}
}

func (s *Service) pruneJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.PruneAttendance(ctx); err != nil {
		s.log.Error().Err(err).Msg("attendance prune failed")
	}
}

// PruneAttendance deletes attendance records for occurrences older than
// the retention period and returns how many were removed.
func (s *Service) PruneAttendance(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	n, err := s.attendance.DeleteBefore(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to prune attendance: %w", err)
	}
	s.log.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("attendance pruned")
	return n, nil
}

// cronLogger routes robfig/cron's own logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
