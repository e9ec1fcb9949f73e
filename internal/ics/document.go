package ics

import (
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/friendsofgo/errors"
)

// ProductID is written into every document this service produces.
const ProductID = "-//CalDAV Dashboard//Appointment System//EN"

// ErrMalformedDocument is returned when a slot document lacks the fields
// needed to rewrite it in place.
var ErrMalformedDocument = errors.New("malformed slot document")

// minDateToken is the length of the shortest valid date token (YYYYMMDD).
const minDateToken = len(layoutDate)

// SlotDocument holds the fields of a stored free-time event that survive a
// booking. Dates keep their original token and parameters so all-day and
// zoned events are written back unchanged.
type SlotDocument struct {
	UID         string
	Start       Property
	End         Property
	Location    string
	Description string
}

// ExtractSlotDocument reads the first VEVENT of a stored document.
func ExtractSlotDocument(body string) (SlotDocument, error) {
	var doc SlotDocument

	cal, err := parseCalendar(body)
	if err != nil {
		return doc, errors.Wrap(ErrMalformedDocument, err.Error())
	}
	events := cal.Events()
	if len(events) == 0 {
		return doc, errors.Wrap(ErrMalformedDocument, "no VEVENT component")
	}
	ve := events[0]

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		doc.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		doc.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		doc.Description = p.Value
	}
	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	end := ve.GetProperty(ical.ComponentPropertyDtEnd)

	switch {
	case doc.UID == "":
		return doc, errors.Wrap(ErrMalformedDocument, "missing UID")
	case start == nil:
		return doc, errors.Wrap(ErrMalformedDocument, "missing DTSTART")
	case end == nil:
		return doc, errors.Wrap(ErrMalformedDocument, "missing DTEND")
	}
	doc.Start = propertyOf(start)
	doc.End = propertyOf(end)

	if len(strings.TrimSpace(doc.Start.Value)) < minDateToken {
		return doc, errors.Wrapf(ErrMalformedDocument, "DTSTART %q too short", doc.Start.Value)
	}
	if len(strings.TrimSpace(doc.End.Value)) < minDateToken {
		return doc, errors.Wrapf(ErrMalformedDocument, "DTEND %q too short", doc.End.Value)
	}
	return doc, nil
}

// Appointment is the descriptive content written over a free-time slot.
type Appointment struct {
	Summary     string
	Description string
	Location    string
}

// FormatStamp renders t as a compact UTC timestamp (20240101T120000Z).
func FormatStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// RewriteSlotDocument builds the full replacement document for a booked
// slot: identity and timing come from doc, descriptive fields from appt.
func RewriteSlotDocument(doc SlotDocument, appt Appointment, now time.Time) string {
	stamp := FormatStamp(now)

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)

	ev := cal.AddEvent(doc.UID)
	ev.SetProperty(ical.ComponentPropertyDtstamp, stamp)
	ev.SetProperty(ical.ComponentPropertyDtStart, strings.TrimSpace(doc.Start.Value), paramsOf(doc.Start)...)
	ev.SetProperty(ical.ComponentPropertyDtEnd, strings.TrimSpace(doc.End.Value), paramsOf(doc.End)...)
	ev.SetSummary(appt.Summary)
	ev.SetDescription(appt.Description)
	ev.SetLocation(appt.Location)
	ev.SetProperty(ical.ComponentPropertyCreated, stamp)
	ev.SetProperty(ical.ComponentPropertyLastModified, stamp)
	ev.SetStatus(ical.ObjectStatusConfirmed)

	return cal.Serialize()
}

// paramsOf converts the parameters of a stored date property back into
// library parameters, in a stable order.
func paramsOf(p Property) []ical.PropertyParameter {
	if len(p.Params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ical.PropertyParameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, &ical.KeyValues{Key: k, Value: p.Params[k]})
	}
	return out
}
