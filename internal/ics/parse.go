package ics

import (
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/friendsofgo/errors"

	appLog "caldash/internal/log"
	"caldash/internal/model"
)

// Property is a stored property with its value token and parameters kept
// verbatim. Date properties travel in this form so a rewrite can emit them
// unchanged.
type Property struct {
	Name   string
	Params map[string][]string
	Value  string
}

// Param returns the first value of a parameter, or "".
func (p Property) Param(key string) string {
	if vs := p.Params[strings.ToUpper(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func propertyOf(p *ical.IANAProperty) Property {
	return Property{Name: p.IANAToken, Params: p.ICalParameters, Value: p.Value}
}

// parseCalendar parses one calendar object. Any structural problem
// (unbalanced BEGIN/END, truncated body) is returned as an error so the
// caller can skip just this document.
func parseCalendar(body string) (*ical.Calendar, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.New("empty calendar data")
	}
	cal, err := ical.ParseCalendar(strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "ics parse")
	}
	return cal, nil
}

// ParseEvents normalizes every VEVENT in a single calendar document.
//
//   - SUMMARY and DTSTART are required; events lacking either are dropped.
//   - Text values are unescaped and trimmed.
//   - Times ending in Z are UTC; TZID is honored when the zone is known;
//     everything else is read in loc.
//
// A structurally broken document returns an error; an event with an
// unparseable date is logged and skipped.
func ParseEvents(body string, loc *time.Location) ([]model.Event, error) {
	if loc == nil {
		loc = time.UTC
	}

	cal, err := parseCalendar(body)
	if err != nil {
		return nil, err
	}

	vevents := cal.Events()
	events := make([]model.Event, 0, len(vevents))
	for _, ve := range vevents {
		ev, ok, perr := parseVEvent(ve, loc)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "err", perr)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (model.Event, bool, error) {
	var ev model.Event

	summary := ve.GetProperty(ical.ComponentPropertySummary)
	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if summary == nil || dtstart == nil {
		return ev, false, nil
	}
	ev.Title = strings.TrimSpace(summary.Value)

	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = strings.TrimSpace(p.Value)
	}

	start, allDay, err := ParseDate(propertyOf(dtstart), loc)
	if err != nil {
		return ev, false, errors.Wrapf(err, "DTSTART of %q", ev.Title)
	}
	ev.Start = start
	ev.AllDay = allDay

	if dtend := ve.GetProperty(ical.ComponentPropertyDtEnd); dtend != nil {
		end, _, err := ParseDate(propertyOf(dtend), loc)
		if err != nil {
			return ev, false, errors.Wrapf(err, "DTEND of %q", ev.Title)
		}
		ev.End = &end
	}
	return ev, true, nil
}

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
)

// ParseDate parses a DTSTART/DTEND property. It reports whether the token
// is date-only.
func ParseDate(p Property, loc *time.Location) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, false, errors.New("empty date value")
	}

	zone := loc
	if tzid := p.Param("TZID"); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			zone = l
		}
	}

	if !strings.Contains(v, "T") || strings.EqualFold(p.Param("VALUE"), "DATE") {
		if len(v) > len(layoutDate) {
			v = v[:len(layoutDate)]
		}
		t, err := time.ParseInLocation(layoutDate, v, zone)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.ParseInLocation(layoutDateTime, strings.TrimSuffix(v, "Z"), time.UTC)
		return t, false, err
	}
	t, err := time.ParseInLocation(layoutDateTime, strings.TrimSuffix(v, "T"), zone)
	return t, false, err
}

// SortEvents orders events by start, keeping document order for ties.
func SortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}
