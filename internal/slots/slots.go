// Package slots turns free-time calendar events into bookable slots and
// re-checks a slot against live calendar data before it is booked.
package slots

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/friendsofgo/errors"

	"caldash/internal/model"
)

// Predicate decides whether an event marks bookable free time.
type Predicate func(model.Event) bool

// Reserved title markers of the default convention.
const (
	MarkerTag   = "#freetime"
	MarkerPhrase = "Available for appointments"
	MarkerPrefix = "OPEN:"
)

// DefaultConvention matches titles containing MarkerTag or MarkerPhrase, or
// starting with MarkerPrefix.
func DefaultConvention(ev model.Event) bool {
	return strings.Contains(ev.Title, MarkerTag) ||
		strings.Contains(ev.Title, MarkerPhrase) ||
		strings.HasPrefix(ev.Title, MarkerPrefix)
}

// ID builds the client-visible slot identifier:
//
//	slot_<startMillis>_<endMillis>_<title reduced to lowercase [a-z0-9]>
func ID(start, end time.Time, title string) string {
	var b strings.Builder
	b.Grow(len("slot___") + 26 + len(title))
	b.WriteString("slot_")
	b.WriteString(strconv.FormatInt(start.UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(end.UnixMilli(), 10))
	b.WriteByte('_')
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// slotEnd picks the end of a slot whose event may lack DTEND: an all-day
// event covers its day, anything else is zero length.
func slotEnd(ev model.Event) time.Time {
	switch {
	case ev.End != nil:
		return *ev.End
	case ev.AllDay:
		return ev.Start.AddDate(0, 0, 1)
	default:
		return ev.Start
	}
}

// Derive returns the future slots among events, ordered by start. Only
// events accepted by pred and starting strictly after now are kept. A nil
// pred means DefaultConvention.
func Derive(events []model.Event, now time.Time, pred Predicate) []model.Slot {
	if pred == nil {
		pred = DefaultConvention
	}

	out := make([]model.Slot, 0)
	for _, ev := range events {
		if !pred(ev) || !ev.Start.After(now) {
			continue
		}
		end := slotEnd(ev)
		out = append(out, model.Slot{
			ID:            ID(ev.Start, end, ev.Title),
			Start:         ev.Start,
			End:           end,
			Duration:      int(math.Round(end.Sub(ev.Start).Minutes())),
			Title:         ev.Title,
			Location:      ev.Location,
			OriginalEvent: ev,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// ErrNotFound is returned when a slot id is absent from the live slot set.
var ErrNotFound = errors.New("slot not found or no longer available")

// EventSource yields the current remote event list.
type EventSource interface {
	FetchEvents(ctx context.Context) ([]model.Event, error)
}

// Revalidator re-derives slots from a fresh fetch on every call.
type Revalidator struct {
	Source    EventSource
	Predicate Predicate
}

// Find fetches events, derives slots as of now and returns the one with id.
// The full derived set is returned as well so callers can report what is
// still available; it is valid even when err wraps ErrNotFound.
func (r Revalidator) Find(ctx context.Context, id string, now time.Time) (model.Slot, []model.Slot, error) {
	events, err := r.Source.FetchEvents(ctx)
	if err != nil {
		return model.Slot{}, nil, err
	}
	current := Derive(events, now, r.Predicate)
	for _, s := range current {
		if s.ID == id {
			return s, current, nil
		}
	}
	return model.Slot{}, current, errors.Wrapf(ErrNotFound, "slot %s", id)
}
