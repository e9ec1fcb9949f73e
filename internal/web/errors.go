package web

import (
	"net/http"

	"github.com/friendsofgo/errors"

	"caldash/internal/booking"
	"caldash/internal/caldav"
	"caldash/internal/config"
)

// statusFor maps an error from the booking service onto an HTTP status and
// a short user-facing message. Booking-specific outcomes are checked before
// remote store kinds, since a Failure may wrap a caldav error.
func statusFor(err error, fallback string) (int, string) {
	var (
		missing *config.MissingError
		failure *booking.Failure
		remote  *caldav.Error
	)

	switch {
	case errors.As(err, &missing):
		return http.StatusInternalServerError, "CalDAV configuration missing"
	case errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest, "Missing required fields"
	case errors.Is(err, booking.ErrSlotNotFound):
		return http.StatusNotFound, "Appointment slot not found or no longer available"
	case errors.Is(err, booking.ErrConflict):
		return http.StatusConflict, "Appointment slot was just booked by someone else"
	case errors.As(err, &failure):
		return http.StatusInternalServerError, "Failed to book appointment"
	case errors.As(err, &remote):
		return remoteStatus(remote, fallback)
	default:
		return http.StatusInternalServerError, fallback
	}
}

func remoteStatus(e *caldav.Error, fallback string) (int, string) {
	switch e.Kind {
	case caldav.KindUnreachable:
		return http.StatusServiceUnavailable, "Cannot connect to CalDAV server. Check your CALDAV_URL."
	case caldav.KindUnauthorized:
		return http.StatusUnauthorized, "Authentication failed. Check your CALDAV_USER and CALDAV_PASSWORD."
	case caldav.KindNotFound:
		return http.StatusNotFound, "Calendar not found. Check your CALDAV_URL path."
	case caldav.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed, "CalDAV method not allowed. Server may not support CalDAV or is behind a proxy."
	case caldav.KindTimeout:
		return http.StatusRequestTimeout, "Connection timeout. CalDAV server is not responding."
	default:
		return http.StatusInternalServerError, fallback
	}
}
