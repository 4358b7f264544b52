package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrSessionNotFound   = errors.New("session not found")
	ErrOtpNotFound       = errors.New("no pending otp for phone number")
	ErrNotVerified       = errors.New("phone number has not been verified")
	ErrOtpMismatch       = errors.New("otp does not match")
	ErrOtpExpired        = errors.New("otp has expired")
	ErrAttemptsExhausted = errors.New("no otp attempts left")
	ErrSeatConflict      = errors.New("seat is already booked")
	ErrDuplicateIdentity = errors.New("college id already has an active booking")
	ErrDeliveryFailed    = errors.New("message delivery failed")
	ErrStoreUnavailable  = errors.New("record store unavailable")
	ErrStoreContention   = errors.New("record store contention")
	ErrBookingIDTaken    = errors.New("booking id already in use")
	ErrInvalidState      = errors.New("operation not allowed in current session state")
	ErrSessionCommitted  = errors.New("session already has a booking")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("too many otp requests")
)

// Kind is the stable, client-facing classification of an error.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindNotFound          Kind = "NOT_FOUND"
	KindOtpMismatch       Kind = "OTP_MISMATCH"
	KindOtpExpired        Kind = "OTP_EXPIRED"
	KindAttemptsExhausted Kind = "ATTEMPTS_EXHAUSTED"
	KindSeatConflict      Kind = "SEAT_CONFLICT"
	KindDuplicateIdentity Kind = "DUPLICATE_IDENTITY"
	KindDeliveryFailed    Kind = "DELIVERY_FAILED"
	KindStoreUnavailable  Kind = "STORE_UNAVAILABLE"
	KindConflict          Kind = "CONFLICT"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindRateLimited       Kind = "RATE_LIMIT_EXCEEDED"
	KindInternal          Kind = "INTERNAL_ERROR"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrSessionNotFound, KindNotFound},
	{ErrOtpNotFound, KindNotFound},
	{ErrNotVerified, KindNotFound},
	{ErrOtpMismatch, KindOtpMismatch},
	{ErrOtpExpired, KindOtpExpired},
	{ErrAttemptsExhausted, KindAttemptsExhausted},
	{ErrSeatConflict, KindSeatConflict},
	{ErrDuplicateIdentity, KindDuplicateIdentity},
	{ErrDeliveryFailed, KindDeliveryFailed},
	{ErrStoreUnavailable, KindStoreUnavailable},
	{ErrStoreContention, KindStoreUnavailable},
	{ErrInvalidState, KindConflict},
	{ErrSessionCommitted, KindConflict},
	{ErrUnauthorized, KindUnauthorized},
	{ErrRateLimited, KindRateLimited},
}

// KindOf maps err to its Kind. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ValidationError names the offending field. It matches ErrInvalidInput.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StoreError wraps an infrastructure failure so it reports as ErrStoreUnavailable
// while keeping the driver error reachable through errors.As.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
