package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "caldash/internal/log"
	"caldash/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// ExpandConfig controls how recurrence expansion is performed for the
// dashboard view.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for recurring
	// occurrences. Non-recurring events are passed through regardless.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single rule's expansion. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded occurrences and the titles of events
// whose expansion hit the cap.
type ExpandResult struct {
	Occurrences []model.Occurrence
	Truncated   []string
}

// ExpandOccurrences turns normalized events into display occurrences:
//
//   - events without RRULE become one occurrence each
//   - RRULE events are expanded inside [RangeStart, RangeEnd], keeping the
//     original duration (or whole days for all-day events)
//   - an RRULE that fails to parse degrades to the base event
//
// Output is sorted by start.
func ExpandOccurrences(events []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" {
			out = append(out, makeOccurrence(ev, ev.Start, ev.End))
			continue
		}
		occ, hitCap := expandRecurringEvent(ev, cfg)
		if hitCap {
			result.Truncated = append(result.Truncated, ev.Title)
			appLog.Warn("expand: truncated occurrences due to cap",
				"title", ev.Title,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	sortOccurrences(out)
	result.Occurrences = out
	return result, nil
}

func expandRecurringEvent(ev model.Event, cfg ExpandConfig) ([]model.Occurrence, bool) {
	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "title", ev.Title, "rrule", ev.RRule)
		return []model.Occurrence{makeOccurrence(ev, ev.Start, ev.End)}, false
	}
	opt.Dtstart = ev.Start

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("expand: invalid RRULE", err, "title", ev.Title, "rrule", ev.RRule)
		return []model.Occurrence{makeOccurrence(ev, ev.Start, ev.End)}, false
	}

	loc := ev.Start.Location()
	starts := r.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, s := range starts {
		var end *time.Time
		switch {
		case ev.AllDay:
			e := s.AddDate(0, 0, 1)
			if ev.End != nil {
				e = s.Add(ev.End.Sub(ev.Start))
			}
			end = &e
		case ev.End != nil:
			e := s.Add(ev.End.Sub(ev.Start))
			end = &e
		}
		out = append(out, makeOccurrence(ev, s, end))
	}
	return out, hitCap
}

func makeOccurrence(ev model.Event, start time.Time, end *time.Time) model.Occurrence {
	return model.Occurrence{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func sortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		return occ[i].Start.Before(occ[j].Start)
	})
}
