package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SeatLayout is the event hall grid. Seat ids are the 1-based row number
// followed by the column letter: "1A" .. "5J" for the default hall.
type SeatLayout struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`
}

func DefaultLayout() SeatLayout {
	return SeatLayout{Rows: 5, Columns: 10}
}

func SeatID(row, column int) string {
	return fmt.Sprintf("%d%c", row, 'A'+column-1)
}

// NormalizeSeat upper-cases and trims a seat id typed by a user.
func NormalizeSeat(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Parse splits a normalized seat id into its 1-based row and column.
func (l SeatLayout) Parse(id string) (row, column int, ok bool) {
	if len(id) < 2 {
		return 0, 0, false
	}
	letter := id[len(id)-1]
	if letter < 'A' || letter > 'Z' {
		return 0, 0, false
	}
	digits := id[:len(id)-1]
	if digits[0] == '0' || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, 0, false
	}
	row, err := strconv.Atoi(digits)
	if err != nil {
		return 0, 0, false
	}
	column = int(letter-'A') + 1
	if row < 1 || row > l.Rows || column > l.Columns {
		return 0, 0, false
	}
	return row, column, true
}

func (l SeatLayout) Contains(id string) bool {
	_, _, ok := l.Parse(id)
	return ok
}

// SeatIDs lists every seat in row-major order.
func (l SeatLayout) SeatIDs() []string {
	ids := make([]string, 0, l.Rows*l.Columns)
	for r := 1; r <= l.Rows; r++ {
		for c := 1; c <= l.Columns; c++ {
			ids = append(ids, SeatID(r, c))
		}
	}
	return ids
}

type SeatStatus struct {
	Seat     string `json:"seat"`
	Row      int    `json:"row"`
	Column   string `json:"column"`
	Occupied bool   `json:"occupied"`
}

// SeatMap is what a client needs to render the booking form.
type SeatMap struct {
	Layout    SeatLayout   `json:"layout"`
	Timeslots []string     `json:"timeslots"`
	Seats     []SeatStatus `json:"seats"`
}

type ReservationStatus string

const (
	Reserved ReservationStatus = "reserved"
	Conflict ReservationStatus = "conflict"
)

// Reservation is advisory; only a commit actually holds a seat.
type Reservation struct {
	Seat   string            `json:"seat"`
	Status ReservationStatus `json:"status"`
}
