package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/smartregister/pkg/response"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/service"
)

type startSessionRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type verifyOtpRequest struct {
	Code string `json:"code"`
}

type commitResponse struct {
	Session *sessionView         `json:"session"`
	Booking domain.BookingRecord `json:"booking"`
	Warning string               `json:"warning,omitempty"`
}

// StartSession opens a session for a phone number and sends its first OTP.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.workflow.StartSession(r.Context(), req.PhoneNumber)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	s, err = h.workflow.RequestOtp(r.Context(), s.ID)
	if err != nil {
		writeServiceError(w, r, err, h.details(s))
		return
	}

	response.JSON(w, http.StatusCreated, h.view(s))
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.workflow.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, h.view(s))
}

func (h *Handlers) RequestOtp(w http.ResponseWriter, r *http.Request) {
	s, err := h.workflow.RequestOtp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, h.details(s))
		return
	}
	response.JSON(w, http.StatusOK, h.view(s))
}

func (h *Handlers) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyOtpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.workflow.VerifyOtp(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeServiceError(w, r, err, h.details(s))
		return
	}
	response.JSON(w, http.StatusOK, h.view(s))
}

func (h *Handlers) RegenerateOtp(w http.ResponseWriter, r *http.Request) {
	s, err := h.workflow.RegenerateOtp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, h.details(s))
		return
	}
	response.JSON(w, http.StatusOK, h.view(s))
}

func (h *Handlers) CommitBooking(w http.ResponseWriter, r *http.Request) {
	var req service.BookingDetails
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.workflow.CommitBooking(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	response.JSON(w, http.StatusCreated, commitResponse{
		Session: h.view(result.Session),
		Booking: result.Record,
		Warning: result.Warning,
	})
}

func (h *Handlers) ListSeats(w http.ResponseWriter, r *http.Request) {
	seatMap, err := h.workflow.ListSeats(r.Context())
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, seatMap)
}
