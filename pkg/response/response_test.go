package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithDetails(rec, http.StatusConflict, "seat is already booked", "SEAT_CONFLICT", map[string]string{"seat": "3C"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error   string            `json:"error"`
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "seat is already booked", body.Error)
	assert.Equal(t, "SEAT_CONFLICT", body.Code)
	assert.Equal(t, "3C", body.Details["seat"])
}

func TestWriteErrorOmitsEmptyDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, "session not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"session not found","code":"NOT_FOUND"}`, rec.Body.String())
}
