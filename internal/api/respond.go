package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/his"
	"github.com/hackgods/outpatient-exam-booking/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{Success: false, Error: code, Message: message})
}

// writeServiceError maps engine errors onto status codes. Upstream failures
// only expose the upstream's own message.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr        *exam.ValidationError
		unavailable *exam.SlotUnavailableError
		upstream    *his.UpstreamError
	)

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Envelope{
			Success: false,
			Error:   "validation_failed",
			Message: exam.MsgValidationFailure,
			Data:    ValidationErrorResponse{Fields: verr.Fields},
		})
	case errors.Is(err, exam.ErrInvalidInput), errors.Is(err, exam.ErrInvalidTime):
		writeError(w, http.StatusBadRequest, "validation_failed", exam.MsgValidationFailure)
	case errors.Is(err, exam.ErrInvalidQR):
		writeError(w, http.StatusBadRequest, "invalid_qr", exam.MsgInvalidQR)
	case errors.Is(err, exam.ErrExamNotFound):
		writeError(w, http.StatusNotFound, "exam_not_found", exam.MsgBookingNotFound)
	case errors.As(err, &unavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", fmt.Sprintf(exam.MsgSlotUnavailable, unavailable.Time))
	case errors.Is(err, exam.ErrNoSlotInDay):
		writeError(w, http.StatusConflict, "no_slot_in_day", exam.MsgNoSlotInDay)
	case errors.As(err, &upstream):
		msg := upstream.Message
		if msg == "" {
			msg = upstream.Body
		}
		writeError(w, http.StatusBadGateway, "his_rejected", msg)
	case errors.Is(err, his.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "his_unavailable", exam.MsgSyncIncomplete)
	case errors.Is(err, registry.ErrRegistryUnavailable):
		writeError(w, http.StatusServiceUnavailable, "registry_unavailable", registry.MsgRegistrySlow)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
