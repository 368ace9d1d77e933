package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
)

const (
	headerCallerRole = "X-Caller-Role"
	headerUserID     = "X-User-ID"
)

// BookingService is the engine surface the handlers need.
type BookingService interface {
	CreateBooking(ctx context.Context, req exam.CreateBookingRequest, role exam.CallerRole) (*exam.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*exam.Booking, error)
	ListBookings(ctx context.Context, f exam.ListFilter) (*exam.ListResult, error)
	CheckIn(ctx context.Context, qrPayload string) (*exam.CheckInResult, error)
	VerifyInsuranceCard(ctx context.Context, q insurance.CardQuery) (*exam.VerificationResult, error)
	Availability(ctx context.Context, date, roomID string) ([]exam.SlotAvailability, error)
}

func createExamHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exam.CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		// Authentication sits in front of this service; the role header is
		// set by the gateway.
		role := exam.ParseCallerRole(r.Header.Get(headerCallerRole))
		req.CreatedBy = r.Header.Get(headerUserID)

		booking, err := svc.CreateBooking(r.Context(), req, role)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, http.StatusCreated, booking.Message, booking)
	}
}

func getExamHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_exam_id", "id must be a valid UUID")
			return
		}

		booking, err := svc.GetBooking(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, http.StatusOK, "", booking)
	}
}

func listExamsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := exam.ListFilter{
			DateFrom:        q.Get("date_from"),
			DateTo:          q.Get("date_to"),
			RoomID:          q.Get("room_id"),
			Status:          exam.Status(q.Get("status")),
			InsuranceNumber: q.Get("insurance_number"),
		}

		var err error
		if f.Limit, err = intParam(q.Get("limit")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		if f.Offset, err = intParam(q.Get("offset")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
			return
		}

		res, err := svc.ListBookings(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, http.StatusOK, "", res)
	}
}

func checkInHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.CheckIn(r.Context(), req.QRCode)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !res.Valid {
			writeJSON(w, http.StatusUnprocessableEntity, Envelope{Success: false, Error: "check_in_rejected", Message: res.Message, Data: res})
			return
		}
		writeOK(w, http.StatusOK, res.Message, res)
	}
}

func verifyCardHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VerifyCardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.VerifyInsuranceCard(r.Context(), insurance.CardQuery{
			CardNumber:  req.CardNumber,
			FullName:    req.FullName,
			DateOfBirth: req.DateOfBirth,
			CitizenID:   req.CitizenID,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !res.Success {
			writeJSON(w, http.StatusUnprocessableEntity, Envelope{Success: false, Error: "card_rejected", Message: res.Message, Data: res})
			return
		}

		msg := res.Message
		if res.ExistingBooking != nil {
			msg = exam.MsgExistingBooking
		}
		writeOK(w, http.StatusOK, msg, res)
	}
}

func availabilityHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		slots, err := svc.Availability(r.Context(), q.Get("date"), q.Get("room_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeOK(w, http.StatusOK, "", slots)
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
