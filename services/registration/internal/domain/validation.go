package domain

import (
	"errors"
	"regexp"
	"slices"
	"strings"
)

var (
	namePattern      = regexp.MustCompile(`^[a-zA-Z\s]+$`)
	collegeIDPattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{3}-[0-9]{3}$`)
)

const maxNameLength = 100

// CommitRequest is the input to a seat commit for an already verified phone.
type CommitRequest struct {
	PhoneNumber   string
	Seats         []string
	CollegeID     string
	Name          string
	Timeslot      string
	// VerifiedOtpID pins the verified row to activate. Zero takes the
	// newest verified row of the phone.
	VerifiedOtpID int64
}

func (r *CommitRequest) Normalize() {
	r.PhoneNumber = NormalizePhone(r.PhoneNumber)
	r.Name = strings.TrimSpace(r.Name)
	r.CollegeID = strings.TrimSpace(r.CollegeID)
	r.Timeslot = strings.TrimSpace(r.Timeslot)
	for i, s := range r.Seats {
		r.Seats[i] = NormalizeSeat(s)
	}
}

// Validate checks the shape of the request against the event's layout and
// timeslots. Every problem is reported; the result matches ErrInvalidInput.
func (r CommitRequest) Validate(layout SeatLayout, timeslots []string) error {
	var errs []error

	if err := ValidatePhone(r.PhoneNumber); err != nil {
		errs = append(errs, err)
	}

	switch len(r.Seats) {
	case 0:
		errs = append(errs, invalid("seats", "select a seat"))
	case 1:
		if !layout.Contains(r.Seats[0]) {
			errs = append(errs, invalid("seats", "seat "+r.Seats[0]+" is not in the hall"))
		}
	default:
		errs = append(errs, invalid("seats", "exactly one seat per booking"))
	}

	if err := ValidateName(r.Name); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateCollegeID(r.CollegeID); err != nil {
		errs = append(errs, err)
	}
	if r.Timeslot == "" {
		errs = append(errs, invalid("timeslot", "is required"))
	} else if !slices.Contains(timeslots, r.Timeslot) {
		errs = append(errs, invalid("timeslot", "unknown timeslot"))
	}

	return errors.Join(errs...)
}

func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("name", "is required")
	case len(name) > maxNameLength:
		return invalid("name", "is too long")
	case !namePattern.MatchString(name):
		return invalid("name", "may only contain letters and spaces")
	}
	return nil
}

func ValidateCollegeID(id string) error {
	if !collegeIDPattern.MatchString(id) {
		return invalid("college_id", "must look like 1234-56-789-012")
	}
	return nil
}
