package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const OtpLength = 6

// PendingOtp is the OTP half of a pending booking row. Only the bcrypt hash of
// the code is kept.
type PendingOtp struct {
	ID                int64
	PhoneNumber       string
	CodeHash          string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	VerifiedAt        *time.Time
}

// OtpHandle is what callers learn about an issued OTP. The code itself only
// travels through the notifier.
type OtpHandle struct {
	PhoneNumber       string    `json:"phone_number"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

type VerifyOutcome string

const (
	OutcomeVerified VerifyOutcome = "verified"
	OutcomeRejected VerifyOutcome = "rejected"
	OutcomeExpired  VerifyOutcome = "expired"
)

type Verification struct {
	Outcome      VerifyOutcome `json:"outcome"`
	AttemptsLeft int           `json:"attempts_left"`
	// OtpID is the row that was verified. Zero unless Outcome is Verified.
	OtpID        int64         `json:"otp_id,omitempty"`
}

func (v Verification) Verified() bool {
	return v.Outcome == OutcomeVerified
}

// Remaining is the countdown shown to users. It never goes negative.
func Remaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizePhone strips the separators people tend to type.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

func ValidatePhone(phone string) error {
	if phone == "" {
		return invalid("phone_number", "is required")
	}
	if !phonePattern.MatchString(phone) {
		return invalid("phone_number", "must be 7 to 15 digits with an optional leading +")
	}
	return nil
}

// OtpMessage is the SMS body carrying a fresh code.
func OtpMessage(code string, validity time.Duration) string {
	return fmt.Sprintf("Your OTP is %s. It is valid for %s.", code, humanizeDuration(validity))
}

func humanizeDuration(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	}
	if s := int(d.Round(time.Second) / time.Second); s != 1 {
		return fmt.Sprintf("%d seconds", s)
	}
	return "1 second"
}

// MaskPhone keeps the last four digits for logs and events.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
