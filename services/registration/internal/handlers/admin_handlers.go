package handlers

import (
	"net/http"

	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/pkg/response"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

func (h *Handlers) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.admin.Login(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	response.JSON(w, http.StatusOK, sess)
}

// ListBookings is the admin dashboard: every active ticket.
func (h *Handlers) ListBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.admin.ListActiveBookings(r.Context())
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	if claims := adminClaims(r); claims != nil {
		logger.DebugContext(r.Context(), "Admin listed bookings", "subject", claims.Subject, "count", len(bookings))
	}
	response.JSON(w, http.StatusOK, map[string]any{"bookings": bookings, "count": len(bookings)})
}
