package model

import "time"

// Event is a calendar entry normalized from a remote calendar document.
// It is recomputed on every fetch and never cached.
type Event struct {
	Title string
	Start time.Time
	// End is nil when the document carries no DTEND.
	End *time.Time

	Location    string
	Description string

	// AllDay is set for date-only DTSTART tokens.
	AllDay bool

	// RRule is the raw recurrence rule, if any. Only the dashboard expands it;
	// slots are derived from the stored document as-is.
	RRule string
}

// Occurrence is a single concrete instance of an Event within a display
// window (after recurrence expansion).
type Occurrence struct {
	Title       string
	Description string
	Location    string
	AllDay      bool
	Start       time.Time
	End         *time.Time
}

// Slot is a bookable window derived from a free-time Event.
type Slot struct {
	ID       string
	Start    time.Time
	End      time.Time
	Duration int // minutes, rounded
	Title    string
	Location string

	// OriginalEvent lets the booking path re-locate the remote document.
	OriginalEvent Event
}

// BookingRequest is what a visitor submits.
type BookingRequest struct {
	SlotID      string `json:"slotId"`
	ClientName  string `json:"clientName"`
	ClientEmail string `json:"clientEmail"`
	ClientPhone string `json:"clientPhone,omitempty"`
	Location    string `json:"location,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// BookingResult describes a confirmed appointment.
type BookingResult struct {
	// EventID is the UID of the rewritten slot document.
	EventID     string
	Start       time.Time
	End         time.Time
	ClientName  string
	ClientEmail string
	Location    string
}
