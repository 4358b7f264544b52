package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/smartregister/pkg/auth"
	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/pkg/response"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/service"
)

const maxBodyBytes = 1 << 20

type ctxKey string

const ctxClaims ctxKey = "claims"

type Handlers struct {
	workflow  service.BookingWorkflow
	admin     service.AdminService
	clock     clock.Clock
	jwtSecret string
}

func New(workflow service.BookingWorkflow, admin service.AdminService, clk clock.Clock, jwtSecret string) *Handlers {
	return &Handlers{
		workflow:  workflow,
		admin:     admin,
		clock:     clk,
		jwtSecret: jwtSecret,
	}
}

// Routes mounts the registration API on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/seats", h.ListSeats)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.StartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/otp", h.RequestOtp)
			r.Post("/otp/verify", h.VerifyOtp)
			r.Post("/otp/regenerate", h.RegenerateOtp)
			r.Post("/booking", h.CommitBooking)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.AdminLogin)
		r.With(h.RequireAdmin).Get("/bookings", h.ListBookings)
	})
}

// RequireAdmin accepts only a valid admin bearer token.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(w, "Missing or invalid authorization header")
			return
		}

		claims, err := auth.ParseAt(strings.TrimPrefix(authHeader, "Bearer "), h.jwtSecret, h.clock.Now())
		if err != nil {
			response.Unauthorized(w, "Invalid token")
			return
		}
		if claims.Role != auth.RoleAdmin {
			response.Forbidden(w, "Insufficient permissions")
			return
		}

		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(ctxClaims).(*auth.Claims); ok {
		return claims
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return false
	}
	return true
}

var statusByKind = map[domain.Kind]int{
	domain.KindInvalidInput:      http.StatusBadRequest,
	domain.KindNotFound:          http.StatusNotFound,
	domain.KindOtpMismatch:       http.StatusUnauthorized,
	domain.KindOtpExpired:        http.StatusGone,
	domain.KindAttemptsExhausted: http.StatusForbidden,
	domain.KindSeatConflict:      http.StatusConflict,
	domain.KindDuplicateIdentity: http.StatusConflict,
	domain.KindDeliveryFailed:    http.StatusBadGateway,
	domain.KindStoreUnavailable:  http.StatusServiceUnavailable,
	domain.KindConflict:          http.StatusConflict,
	domain.KindUnauthorized:      http.StatusUnauthorized,
	domain.KindRateLimited:       http.StatusTooManyRequests,
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeServiceError renders err in the JSON error envelope. Validation
// failures list every field; otherwise details carries the caller supplied
// value, usually the session.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, details any) {
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		logger.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
		response.InternalError(w, "Internal server error")
		return
	}

	message := err.Error()
	switch kind {
	case domain.KindStoreUnavailable:
		logger.ErrorContext(r.Context(), "Record store unavailable", "error", err)
		message = domain.ErrStoreUnavailable.Error()
	case domain.KindInvalidInput:
		if fields := fieldErrors(err); len(fields) > 0 {
			details = fields
		}
	}

	response.WriteErrorWithDetails(w, status, message, string(kind), details)
}

func fieldErrors(err error) []fieldError {
	var out []fieldError
	var walk func(error)
	walk = func(err error) {
		if verr, ok := err.(*domain.ValidationError); ok {
			out = append(out, fieldError{Field: verr.Field, Message: verr.Message})
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				walk(e)
			}
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				walk(next)
			}
		}
	}
	walk(err)
	return out
}

// sessionView is what clients see of a session, with the OTP countdown.
type sessionView struct {
	ID                string              `json:"id"`
	PhoneNumber       string              `json:"phone_number"`
	State             domain.SessionState `json:"state"`
	AttemptsRemaining int                 `json:"attempts_remaining"`
	OtpExpiresIn      int64               `json:"otp_expires_in"`
	BookingID         string              `json:"booking_id,omitempty"`
}

func (h *Handlers) view(s *domain.Session) *sessionView {
	if s == nil {
		return nil
	}
	v := &sessionView{
		ID:                s.ID,
		PhoneNumber:       domain.MaskPhone(s.PhoneNumber),
		State:             s.State,
		AttemptsRemaining: s.AttemptsRemaining,
		BookingID:         s.BookingID,
	}
	if s.State == domain.StateOtpPending {
		v.OtpExpiresIn = int64(domain.Remaining(s.OtpExpiresAt, h.clock.Now()) / time.Second)
	}
	return v
}

// details keeps a missing session out of the error envelope.
func (h *Handlers) details(s *domain.Session) any {
	if s == nil {
		return nil
	}
	return h.view(s)
}
