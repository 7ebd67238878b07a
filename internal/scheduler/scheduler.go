package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/titanbot/internal/dispatch"
	"github.com/hray3182/titanbot/internal/metrics"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/render"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/schedule"
	"github.com/hray3182/titanbot/internal/store"
)

const maxCommitAttempts = 5

type Options struct {
	Interval        time.Duration
	DispatchTimeout time.Duration
	// CatchUp is how far back a tick looks for due occurrences. Zero means
	// 10m; anything below Interval is raised to Interval.
	CatchUp     time.Duration
	Concurrency int
	// StartDelay postpones the first tick after Run.
	StartDelay time.Duration
	// AlertChatID receives suspension notices. 0 disables alerts.
	AlertChatID int64
	Location    *time.Location
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	// OnTick is called after every tick started by Run.
	OnTick func(TickReport)
}

type Scheduler struct {
	entries    *repository.EntryRepository
	dispatcher dispatch.Dispatcher
	renderer   *render.Renderer
	opts       Options
	log        zerolog.Logger
	notifyCh   chan struct{}

	// tickMu keeps ticks from overlapping.
	tickMu sync.Mutex

	holdMu    sync.Mutex
	holdUntil time.Time
}

func New(entries *repository.EntryRepository, d dispatch.Dispatcher, r *render.Renderer, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 20 * time.Second
	}
	if opts.CatchUp <= 0 {
		opts.CatchUp = 10 * time.Minute
	}
	if opts.CatchUp < opts.Interval {
		opts.CatchUp = opts.Interval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		entries:    entries,
		dispatcher: d,
		renderer:   r,
		opts:       opts,
		log:        opts.Logger,
		notifyCh:   make(chan struct{}, 1),
	}
}

// Notify triggers an immediate check. Non-blocking if a check is already pending.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
		// Channel already has a pending notification, skip
	}
}

// Run ticks until ctx is cancelled. A tick in progress always finishes
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.opts.Interval).Int("concurrency", s.opts.Concurrency).Msg("scheduler started")
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// Wait a bit for the rest of the process to come up before first check
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.opts.StartDelay):
	}

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.notifyCh:
			s.log.Debug().Msg("scheduler triggered by notification")
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	report := s.Tick(ctx)
	if s.opts.OnTick != nil {
		s.opts.OnTick(report)
	}
}

// Tick evaluates every active entry once. The work runs detached from
// ctx so that a dispatch already started is always followed by its commit
// attempt; once ctx is cancelled no further dispatch is started.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	work := context.WithoutCancel(ctx)
	now := s.opts.Now()
	report := TickReport{At: now}

	scanCtx, cancel := context.WithTimeout(work, s.opts.DispatchTimeout)
	entries, err := s.entries.GetActive(scanCtx)
	cancel()
	if err != nil {
		report.Skipped = true
		report.Err = err
		s.log.Error().Err(err).Msg("tick skipped, failed to load entries")
		s.opts.Metrics.Tick("skipped", time.Since(started))
		return report
	}
	report.Scanned = len(entries)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, e := range entries {
		if !e.Eligible() {
			continue
		}
		e := e
		g.Go(func() error {
			out := s.process(ctx, work, e, now)
			mu.Lock()
			report.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	s.opts.Metrics.Tick("ok", report.Duration)
	ev := s.log.Debug()
	if report.Sent > 0 || report.Permanent > 0 || report.Transient > 0 {
		ev = s.log.Info()
	}
	report.log(ev).Msg("tick finished")
	return report
}

func (s *Scheduler) process(parent, work context.Context, e *models.ScheduleEntry, now time.Time) outcome {
	w, err := schedule.DueNotificationWindow(e, now, s.opts.Location, s.opts.CatchUp)
	if err != nil {
		s.log.Error().Err(err).Str("entry_id", e.ID).Msg("entry has an unusable schedule")
		return outcome{invalid: true}
	}
	if w == nil {
		return outcome{}
	}
	log := s.log.With().Str("entry_id", e.ID).Str("occurrence", w.Key).Logger()
	out := outcome{due: true}

	if parent.Err() != nil {
		log.Debug().Msg("shutting down, dispatch not started")
		out.deferred = true
		return out
	}
	if hold := s.heldUntil(); now.Before(hold) {
		log.Debug().Time("until", hold).Msg("dispatch held by flood wait")
		out.deferred = true
		return out
	}

	n := s.renderer.Notification(work, e, w.Occurrence, w.Key)
	dctx, cancel := context.WithTimeout(work, s.opts.DispatchTimeout)
	err = s.dispatcher.Send(dctx, n)
	cancel()
	if err != nil {
		if dispatch.IsPermanent(err) {
			s.opts.Metrics.Dispatch("permanent")
			log.Error().Err(err).Msg("permanent dispatch failure, suspending entry")
			out.permanent = true
			s.suspend(work, log, e, w, err)
			return out
		}
		s.opts.Metrics.Dispatch("transient")
		if d := dispatch.RetryAfter(err); d > 0 {
			s.hold(now.Add(d))
		}
		log.Warn().Err(err).Msg("dispatch failed, occurrence stays due")
		out.transient = true
		return out
	}
	s.opts.Metrics.Dispatch("sent")
	out.sent = true

	res := s.commit(work, e, func(cur *models.ScheduleEntry) (bool, string) {
		if cur.Covers(w.Occurrence) {
			return false, "already committed"
		}
		if !cur.Active {
			return false, "deactivated"
		}
		occ, sentAt := w.Occurrence, now
		cur.LastFiredAt = &occ
		cur.LastSentAt = &sentAt
		return true, ""
	})
	out.conflicts = res.conflicts
	switch {
	case res.err != nil:
		log.Error().Err(res.err).Msg("commit failed, occurrence will be sent again")
	case res.skipped != "":
		log.Info().Str("reason", res.skipped).Msg("commit not needed")
		out.dropped = true
	default:
		log.Info().Time("fire_at", w.FireAt).Int64("version", res.version).Msg("notification sent")
		out.committed = true
	}
	return out
}

func (s *Scheduler) suspend(work context.Context, log zerolog.Logger, e *models.ScheduleEntry, w *schedule.Window, cause error) {
	res := s.commit(work, e, func(cur *models.ScheduleEntry) (bool, string) {
		if !cur.Active || cur.Suspended {
			return false, "already inactive"
		}
		cur.Suspended = true
		cur.LastError = cause.Error()
		return true, ""
	})
	if res.err != nil {
		log.Error().Err(res.err).Msg("failed to record suspension")
	}
	if s.opts.AlertChatID == 0 {
		return
	}
	actx, cancel := context.WithTimeout(work, s.opts.DispatchTimeout)
	defer cancel()
	alert := dispatch.Notification{ChannelID: s.opts.AlertChatID, Text: s.renderer.Alert(e, w.Occurrence, cause)}
	if err := s.dispatcher.Send(actx, alert); err != nil {
		log.Error().Err(err).Int64("alert_chat", s.opts.AlertChatID).Msg("failed to send suspension alert")
	}
}

type commitResult struct {
	version   int64
	conflicts int
	skipped   string
	err       error
}

// commit applies change to the entry with a conditional write on the version
// it was read at. On a version conflict it re-reads and re-applies, so a
// concurrent admin edit is never overwritten. change reports false with a
// reason when the fresh copy no longer needs the write.
func (s *Scheduler) commit(ctx context.Context, e *models.ScheduleEntry, change func(*models.ScheduleEntry) (bool, string)) commitResult {
	var res commitResult
	cur := e
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		next := *cur
		ok, reason := change(&next)
		if !ok {
			res.skipped = reason
			return res
		}
		err := s.entries.Update(ctx, &next)
		if err == nil {
			res.version = next.Version
			return res
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			res.err = err
			return res
		}
		res.conflicts++
		s.opts.Metrics.CommitConflict()

		fresh, err := s.entries.GetByID(ctx, e.ID)
		if err != nil {
			res.err = err
			return res
		}
		cur = fresh
	}
	res.err = store.ErrVersionConflict
	return res
}

func (s *Scheduler) hold(until time.Time) {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	if until.After(s.holdUntil) {
		s.holdUntil = until
	}
}

func (s *Scheduler) heldUntil() time.Time {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	return s.holdUntil
}
