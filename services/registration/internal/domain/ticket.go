package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type BookingStatus string

const (
	StatusPending BookingStatus = "pending"
	StatusActive  BookingStatus = "active"
)

type BookingRecord struct {
	ID            int64         `json:"id"`
	PhoneNumber   string        `json:"phone_number"`
	Name          string        `json:"name,omitempty"`
	CollegeID     string        `json:"college_id,omitempty"`
	Timeslot      string        `json:"timeslot,omitempty"`
	Seat          string        `json:"seat,omitempty"`
	BookingID     string        `json:"booking_id,omitempty"`
	Status        BookingStatus `json:"status"`
	TicketDetails string        `json:"ticket_details,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	VerifiedAt    *time.Time    `json:"verified_at,omitempty"`
	ActivatedAt   *time.Time    `json:"activated_at,omitempty"`
}

var bookingIDPattern = regexp.MustCompile(`^BK[0-9]{6}$`)

func IsBookingID(s string) bool {
	return bookingIDPattern.MatchString(s)
}

// FormatTicket renders the ticket block stored with the record and sent by SMS.
func FormatTicket(rec BookingRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Booking ID: %s\n", rec.BookingID)
	fmt.Fprintf(&b, "Name: %s\n", rec.Name)
	fmt.Fprintf(&b, "Phone Number: %s\n", rec.PhoneNumber)
	fmt.Fprintf(&b, "College ID: %s\n", rec.CollegeID)
	fmt.Fprintf(&b, "Timeslot: %s\n", rec.Timeslot)
	fmt.Fprintf(&b, "Seat: %s", rec.Seat)
	return b.String()
}

func TicketMessage(details string) string {
	return "Your workshop ticket:\n" + details
}
