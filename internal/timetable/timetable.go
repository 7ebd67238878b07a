// Package timetable turns a photographed class timetable into weekly
// schedule entries.
package timetable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/ai"
	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/rrule"
	"github.com/hray3182/titanbot/internal/schedule"
)

// ErrNoClasses means the image was read but listed no classes.
var ErrNoClasses = errors.New("no classes found in the image")

// Reader extracts classes from an image.
type Reader interface {
	ReadTimetable(ctx context.Context, image []byte) ([]ai.TimetableSlot, error)
}

type Service struct {
	gov    *governance.Service
	reader Reader
	log    zerolog.Logger
}

func New(gov *governance.Service, reader Reader, log zerolog.Logger) *Service {
	return &Service{gov: gov, reader: reader, log: log}
}

// Result lists the created entry ids and the classes that were skipped.
type Result struct {
	Created  []string
	Subjects int
	Failed   []string
}

type group struct {
	batch   string
	subject string
	clock   string
	days    []time.Weekday
}

// Import reads the timetable and creates one AI-mode weekly entry per
// batch, subject and start time, announcing lead before class. New subjects
// are added to the catalogue.
func (s *Service) Import(ctx context.Context, c governance.Caller, image []byte, lead time.Duration) (Result, error) {
	var res Result
	if err := s.gov.RequireAdmin(ctx, "import_timetable", c); err != nil {
		return res, err
	}
	// Fail before paying for the model call.
	if _, err := s.gov.DefaultChannel(ctx); err != nil {
		return res, err
	}

	slots, err := s.reader.ReadTimetable(ctx, image)
	if err != nil {
		return res, err
	}
	groups, failed := groupSlots(slots)
	res.Failed = failed
	if len(groups) == 0 {
		return res, ErrNoClasses
	}

	var subjects []governance.Subject
	for _, g := range groups {
		recSlots, err := schedule.Slots(g.days, g.clock)
		if err != nil {
			res.Failed = append(res.Failed, fmt.Sprintf("%s: %v", g.subject, err))
			continue
		}
		e, err := s.gov.CreateEntry(ctx, c, governance.Draft{
			Subject:     g.subject,
			Batch:       g.batch,
			MessageMode: models.MessageAI,
			Recurrence:  models.Recurrence{Kind: models.RecurrenceWeekly, Slots: recSlots},
			LeadOffset:  lead,
		})
		if err != nil {
			if !governance.IsRejection(err) {
				return res, err
			}
			res.Failed = append(res.Failed, fmt.Sprintf("%s: %v", g.subject, err))
			continue
		}
		res.Created = append(res.Created, e.ID)
		subjects = append(subjects, governance.Subject{Batch: g.batch, Name: g.subject})
	}

	if len(subjects) > 0 {
		added, err := s.gov.AddSubjects(ctx, c, subjects...)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to update subject catalogue")
		}
		res.Subjects = len(added)
	}
	s.log.Info().Int("created", len(res.Created)).Int("failed", len(res.Failed)).Msg("timetable imported")
	return res, nil
}

// groupSlots merges classes that share batch, subject and start time into
// one weekly group, keeping the order they were read in.
func groupSlots(slots []ai.TimetableSlot) ([]*group, []string) {
	var (
		groups []*group
		failed []string
	)
	index := make(map[string]*group)
	for _, sl := range slots {
		subject := strings.TrimSpace(sl.Subject)
		if subject == "" {
			failed = append(failed, fmt.Sprintf("%s %s: no subject", sl.Day, sl.Time))
			continue
		}
		day, err := rrule.ParseWeekday(sl.Day)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", subject, err))
			continue
		}
		h, m, err := rrule.ParseClock(sl.Time)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", subject, err))
			continue
		}
		batch := governance.NormalizeBatch(sl.Batch)
		clock := fmt.Sprintf("%02d:%02d", h, m)
		key := batch + "\x00" + strings.ToLower(subject) + "\x00" + clock
		g, ok := index[key]
		if !ok {
			g = &group{batch: batch, subject: subject, clock: clock}
			index[key] = g
			groups = append(groups, g)
		}
		dup := false
		for _, d := range g.days {
			dup = dup || d == day
		}
		if !dup {
			g.days = append(g.days, day)
		}
	}
	return groups, failed
}
