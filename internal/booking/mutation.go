package booking

import (
	"context"
	"strings"
	"time"

	"github.com/friendsofgo/errors"

	"caldash/internal/caldav"
	"caldash/internal/ics"
	appLog "caldash/internal/log"
	"caldash/internal/model"
)

// Store is the remote calendar as the booking flow sees it.
type Store interface {
	FetchEvents(ctx context.Context) ([]model.Event, error)
	Search(ctx context.Context, title string) ([]caldav.Resource, error)
	Put(ctx context.Context, href, document, etag string) error
}

const (
	// BookedMarker prefixes the summary of a booked slot.
	BookedMarker = "Appointment:"
	// legacyHrefMarker names documents created by the old separate-event
	// booking strategy; they are never renamed.
	legacyHrefMarker = "appointment-"
)

// Mutation renames a free-time document in place: search, select,
// extract, rewrite, commit.
type Mutation struct {
	Store Store
	// Conditional sends If-Match with the etag seen during search.
	Conditional bool
	Now         func() time.Time
}

// Apply books slot with appt and returns the UID of the rewritten document.
func (m Mutation) Apply(ctx context.Context, slot model.Slot, appt ics.Appointment) (string, error) {
	title := slot.OriginalEvent.Title

	found, err := m.Store.Search(ctx, title)
	if err != nil {
		return "", err
	}
	appLog.Debug("booking: search finished", "title", title, "candidates", len(found))

	cand, ok := selectCandidate(found, title)
	if !ok {
		return "", errors.Wrapf(ErrSlotDocumentNotFound, "title %q", title)
	}

	doc, err := ics.ExtractSlotDocument(cand.Data)
	if err != nil {
		appLog.Warn("booking: matched document is malformed", "href", cand.Href, "err", err)
		return "", err
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	body := ics.RewriteSlotDocument(doc, appt, now())

	etag := ""
	if m.Conditional {
		etag = cand.ETag
	}
	if err := m.Store.Put(ctx, cand.Href, body, etag); err != nil {
		return "", commitError(cand.Href, err)
	}
	return doc.UID, nil
}

// selectCandidate picks the first search result that still looks like an
// unbooked free-time document for title.
func selectCandidate(found []caldav.Resource, title string) (caldav.Resource, bool) {
	escaped := ics.Escape(title)
	for _, r := range found {
		body := ics.UnfoldString(r.Data)
		mentions := strings.Contains(body, title) || strings.Contains(body, escaped)
		booked := strings.Contains(body, BookedMarker)
		legacy := strings.Contains(r.Href, legacyHrefMarker)

		appLog.Debug("booking: candidate",
			"href", r.Href,
			"mentions_title", mentions,
			"booked", booked,
			"legacy_href", legacy,
		)
		if mentions && !booked && !legacy {
			return r, true
		}
	}
	return caldav.Resource{}, false
}

// commitError maps a failed PUT. A lost conditional write is a conflict;
// any other answer from the store is a rejection. Transport failures keep
// their remote kind.
func commitError(href string, err error) error {
	var ce *caldav.Error
	if !errors.As(err, &ce) {
		return err
	}
	switch {
	case ce.Kind == caldav.KindPreconditionFailed:
		return errors.Wrapf(ErrConflict, "%s", href)
	case ce.Status != 0:
		return &RejectedError{Href: href, Status: ce.Status, Body: ce.Body, Err: err}
	default:
		return err
	}
}
