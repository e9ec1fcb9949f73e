// Package booking implements the slot listing and booking flow against a
// remote calendar store.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"

	"caldash/internal/ics"
	appLog "caldash/internal/log"
	"caldash/internal/model"
	"caldash/internal/slots"
)

// FallbackEventID is reported when the rewritten document has no UID.
const FallbackEventID = "renamed-freetime-slot"

const defaultTimeout = 30 * time.Second

// Options configures a Service.
type Options struct {
	// ConfigErr, when non-nil, is returned by every operation. It is
	// normally a *config.MissingError.
	ConfigErr error

	Store     Store
	Predicate slots.Predicate

	DefaultLocation   string
	ConditionalWrites bool
	// Timeout bounds a booking from revalidation to commit.
	Timeout time.Duration

	// HorizonDays and BackfillDays set the Events window around now.
	HorizonDays  int
	BackfillDays int

	Now func() time.Time
}

// Service lists slots, serves dashboard events and books appointments.
type Service struct {
	opts  Options
	now   func() time.Time
	queue *Queue
}

// NewService builds a Service and starts its booking queue. Call Close to
// stop it.
func NewService(opts Options) *Service {
	if opts.Predicate == nil {
		opts.Predicate = slots.DefaultConvention
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		opts:  opts,
		now:   now,
		queue: NewQueue(16),
	}
}

// Close stops the booking queue.
func (s *Service) Close() {
	s.queue.Close()
}

func (s *Service) ready() error {
	if s.opts.ConfigErr != nil {
		return s.opts.ConfigErr
	}
	if s.opts.Store == nil {
		return errors.New("booking: no remote store configured")
	}
	return nil
}

// ListSlots fetches events and derives the currently bookable slots.
func (s *Service) ListSlots(ctx context.Context) ([]model.Slot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	events, err := s.opts.Store.FetchEvents(ctx)
	if err != nil {
		return nil, err
	}
	return slots.Derive(events, s.now(), s.opts.Predicate), nil
}

// EventsWindow is the dashboard view of the calendar.
type EventsWindow struct {
	Occurrences []model.Occurrence
	Truncated   []string
	RangeStart  time.Time
	RangeEnd    time.Time
}

// Events fetches events and expands recurrences inside
// [now-BackfillDays, now+HorizonDays].
func (s *Service) Events(ctx context.Context) (EventsWindow, error) {
	if err := s.ready(); err != nil {
		return EventsWindow{}, err
	}
	events, err := s.opts.Store.FetchEvents(ctx)
	if err != nil {
		return EventsWindow{}, err
	}

	now := s.now()
	win := EventsWindow{
		RangeStart: now.AddDate(0, 0, -s.opts.BackfillDays),
		RangeEnd:   now.AddDate(0, 0, s.opts.HorizonDays),
	}
	res, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		RangeStart: win.RangeStart,
		RangeEnd:   win.RangeEnd,
	})
	if err != nil {
		return EventsWindow{}, err
	}
	if len(res.Truncated) > 0 {
		appLog.Warn("events: recurrence expansion truncated", "events", strings.Join(res.Truncated, ","))
	}
	win.Occurrences = res.Occurrences
	win.Truncated = res.Truncated
	return win, nil
}

// Validate checks the required booking fields.
func Validate(req model.BookingRequest) error {
	var missing []string
	if strings.TrimSpace(req.SlotID) == "" {
		missing = append(missing, "slotId")
	}
	if strings.TrimSpace(req.ClientName) == "" {
		missing = append(missing, "clientName")
	}
	if strings.TrimSpace(req.ClientEmail) == "" {
		missing = append(missing, "clientEmail")
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.Wrapf(ErrValidation, "%s required", strings.Join(missing, ", "))
}

// Book revalidates the slot against live data and renames its document.
//
// The work runs on the booking queue under a context detached from ctx and
// bounded by the configured timeout: once accepted, a booking is not
// aborted by the caller going away.
func (s *Service) Book(ctx context.Context, req model.BookingRequest) (model.BookingResult, error) {
	if err := s.ready(); err != nil {
		return model.BookingResult{}, err
	}
	if err := Validate(req); err != nil {
		return model.BookingResult{}, err
	}

	reqID := uuid.NewString()
	appLog.Info("booking: request accepted", "request_id", reqID, "slot_id", req.SlotID)

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	var result model.BookingResult
	err := s.queue.Do(work, func(ctx context.Context) error {
		r, err := s.book(ctx, reqID, req)
		result = r
		return err
	})
	if err != nil {
		appLog.Warn("booking: failed", "request_id", reqID, "slot_id", req.SlotID, "err", err)
		return model.BookingResult{}, err
	}
	appLog.Info("booking: confirmed", "request_id", reqID, "event_id", result.EventID)
	return result, nil
}

func (s *Service) book(ctx context.Context, reqID string, req model.BookingRequest) (model.BookingResult, error) {
	rv := slots.Revalidator{Source: s.opts.Store, Predicate: s.opts.Predicate}
	slot, current, err := rv.Find(ctx, req.SlotID, s.now())
	if errors.Is(err, slots.ErrNotFound) {
		ids := make([]string, 0, len(current))
		for _, c := range current {
			ids = append(ids, c.ID)
		}
		appLog.Debug("booking: slot not in live set", "request_id", reqID, "available", strings.Join(ids, ","))
		return model.BookingResult{}, &SlotNotFoundError{SlotID: req.SlotID, Available: current}
	}
	if err != nil {
		return model.BookingResult{}, err
	}

	appt := s.appointment(req, slot)
	m := Mutation{Store: s.opts.Store, Conditional: s.opts.ConditionalWrites, Now: s.now}

	uid, err := m.Apply(ctx, slot, appt)
	if err != nil {
		return model.BookingResult{}, classify(err)
	}
	if uid == "" {
		uid = FallbackEventID
	}

	return model.BookingResult{
		EventID:     uid,
		Start:       slot.Start,
		End:         slot.End,
		ClientName:  req.ClientName,
		ClientEmail: req.ClientEmail,
		Location:    appt.Location,
	}, nil
}

// appointment builds the text written over the slot.
func (s *Service) appointment(req model.BookingRequest, slot model.Slot) ics.Appointment {
	phone := strings.TrimSpace(req.ClientPhone)
	if phone == "" {
		phone = "Not provided"
	}
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		notes = "None"
	}

	location := strings.TrimSpace(req.Location)
	if location == "" {
		location = slot.Location
	}
	if location == "" {
		location = s.opts.DefaultLocation
	}

	return ics.Appointment{
		Summary: BookedMarker + " " + req.ClientName,
		Description: fmt.Sprintf("Client: %s\nEmail: %s\nPhone: %s\nNotes: %s\n\nOriginal slot: %s",
			req.ClientName, req.ClientEmail, phone, notes, slot.Title),
		Location: location,
	}
}

// classify wraps mutation outcomes that mean "the booking could not be
// written" into a *Failure. Conflicts and remote transport errors pass
// through with their own kind.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, ErrSlotDocumentNotFound),
		errors.Is(err, ErrMalformedSlotDocument),
		errors.Is(err, ErrRemoteWriteRejected):
		return &Failure{Err: err}
	default:
		return err
	}
}
