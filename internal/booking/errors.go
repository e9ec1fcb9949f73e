package booking

import (
	"fmt"

	"github.com/friendsofgo/errors"

	"caldash/internal/ics"
	"caldash/internal/model"
	"caldash/internal/slots"
)

var (
	// ErrValidation is returned when a required booking field is empty.
	ErrValidation = errors.New("missing required fields")

	// ErrSlotNotFound is returned when revalidation cannot find the slot.
	ErrSlotNotFound = slots.ErrNotFound

	// ErrSlotDocumentNotFound means no unbooked remote document matched the
	// slot title.
	ErrSlotDocumentNotFound = errors.New("could not find matching free-time document to rename")

	// ErrMalformedSlotDocument means the matched document lacks UID, DTSTART
	// or DTEND.
	ErrMalformedSlotDocument = ics.ErrMalformedDocument

	// ErrRemoteWriteRejected means the store refused the overwrite.
	ErrRemoteWriteRejected = errors.New("remote store rejected the update")

	// ErrConflict means the slot document changed between search and write.
	ErrConflict = errors.New("slot document changed while booking")
)

// SlotNotFoundError carries the slots that are still available so the
// client can offer an alternative.
type SlotNotFoundError struct {
	SlotID    string
	Available []model.Slot
}

func (e *SlotNotFoundError) Error() string {
	return fmt.Sprintf("the selected time slot (%s) may have been booked by someone else or is no longer available", e.SlotID)
}

func (e *SlotNotFoundError) Is(target error) bool { return target == ErrSlotNotFound }

// RejectedError is a refused overwrite with the remote response.
type RejectedError struct {
	Href   string
	Status int
	Body   string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d", ErrRemoteWriteRejected, e.Status)
	}
	return fmt.Sprintf("%s: %d - %s", ErrRemoteWriteRejected, e.Status, e.Body)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRemoteWriteRejected }

func (e *RejectedError) Unwrap() error { return e.Err }

// Failure is a booking that passed revalidation but could not be written.
// Err keeps the underlying cause for diagnostics.
type Failure struct {
	Err error
}

func (f *Failure) Error() string { return f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }
