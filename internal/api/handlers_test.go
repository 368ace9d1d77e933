package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/his"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	"github.com/hackgods/outpatient-exam-booking/internal/registry"
)

type stubService struct {
	createErr  error
	gotRole    exam.CallerRole
	gotCreator string
	checkIn    *exam.CheckInResult
	verify     *exam.VerificationResult
	verifyErr  error
}

func (s *stubService) CreateBooking(_ context.Context, req exam.CreateBookingRequest, role exam.CallerRole) (*exam.Booking, error) {
	s.gotRole = role
	s.gotCreator = req.CreatedBy
	if s.createErr != nil {
		return nil, s.createErr
	}
	rec := &exam.ExamRecord{ID: uuid.New(), ExamTime: req.ExamTime, Status: exam.StatusPending}
	return &exam.Booking{Record: rec, QRCode: exam.EncodeQR(rec.ID), Message: exam.MsgBookingCreated}, nil
}

func (s *stubService) GetBooking(context.Context, uuid.UUID) (*exam.Booking, error) {
	return nil, exam.ErrExamNotFound
}

func (s *stubService) ListBookings(_ context.Context, f exam.ListFilter) (*exam.ListResult, error) {
	return &exam.ListResult{Items: []exam.ExamRecord{}, Total: int64(f.Limit)}, nil
}

func (s *stubService) CheckIn(context.Context, string) (*exam.CheckInResult, error) {
	return s.checkIn, nil
}

func (s *stubService) VerifyInsuranceCard(context.Context, insurance.CardQuery) (*exam.VerificationResult, error) {
	return s.verify, s.verifyErr
}

func (s *stubService) Availability(context.Context, string, string) ([]exam.SlotAvailability, error) {
	return []exam.SlotAvailability{{Time: "08:00", Capacity: 2, Remaining: 2}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestCreateExam_RoleHeaderAndErrors(t *testing.T) {
	svc := &stubService{}
	h := NewRouter(RouterConfig{Service: svc})

	rec, env := do(t, h, http.MethodPost, "/exams", `{"examTime":"08:00"}`, map[string]string{
		headerCallerRole: "front-desk",
		headerUserID:     "staff-7",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, exam.RoleFrontDesk, svc.gotRole)
	assert.Equal(t, "staff-7", svc.gotCreator)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"slot unavailable", &exam.SlotUnavailableError{Time: "08:00"}, http.StatusConflict, "slot_unavailable", "Khung giờ 08:00 đã hết chỗ hoặc không tồn tại"},
		{"day full", exam.ErrNoSlotInDay, http.StatusConflict, "no_slot_in_day", exam.MsgNoSlotInDay},
		{"validation", &exam.ValidationError{Fields: map[string]string{"phone": "numeric"}}, http.StatusBadRequest, "validation_failed", exam.MsgValidationFailure},
		{"his rejected", errors.Join(exam.ErrSyncFailed, &his.UpstreamError{StatusCode: 409, Message: "Trùng lượt khám"}), http.StatusBadGateway, "his_rejected", "Trùng lượt khám"},
		{"internal", errors.New("pool closed"), http.StatusInternalServerError, "internal_error", "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc.createErr = tc.err
			rec, env := do(t, h, http.MethodPost, "/exams", `{}`, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, env.Success)
			assert.Equal(t, tc.code, env.Error)
			assert.Equal(t, tc.msg, env.Message)
		})
	}

	t.Run("bad json", func(t *testing.T) {
		rec, env := do(t, h, http.MethodPost, "/exams", `{`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request_body", env.Error)
	})
}

func TestCheckIn_InvalidOutcomeIsUnprocessable(t *testing.T) {
	svc := &stubService{checkIn: &exam.CheckInResult{Valid: false, Message: exam.MsgTooEarly}}
	h := NewRouter(RouterConfig{Service: svc})

	rec, env := do(t, h, http.MethodPost, "/exams/check-in", `{"qrCode":"abc"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, exam.MsgTooEarly, env.Message)

	svc.checkIn = &exam.CheckInResult{Valid: true, Message: exam.MsgCheckInSuccess, Warning: exam.MsgSyncIncomplete}
	rec, env = do(t, h, http.MethodPost, "/exams/check-in", `{"qrCode":"abc"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestVerifyCard_Framing(t *testing.T) {
	svc := &stubService{}
	h := NewRouter(RouterConfig{Service: svc})

	svc.verify = &exam.VerificationResult{Verification: insurance.Verification{Success: false, ResultCode: "010", Message: "Thẻ hết giá trị sử dụng"}}
	rec, env := do(t, h, http.MethodPost, "/insurance/verify", `{"cardNumber":"DN4797933384379"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Thẻ hết giá trị sử dụng", env.Message)

	svc.verify = &exam.VerificationResult{
		Verification:    insurance.Verification{Success: true, Message: "ok"},
		ExistingBooking: &exam.ExamRecord{ID: uuid.New()},
	}
	rec, env = do(t, h, http.MethodPost, "/insurance/verify", `{"cardNumber":"DN4797933384379"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, exam.MsgExistingBooking, env.Message)

	svc.verify, svc.verifyErr = nil, registry.ErrRegistryUnavailable
	rec, env = do(t, h, http.MethodPost, "/insurance/verify", `{"cardNumber":"DN4797933384379"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, registry.MsgRegistrySlow, env.Message)
}

func TestGetExam(t *testing.T) {
	h := NewRouter(RouterConfig{Service: &stubService{}})

	rec, _ := do(t, h, http.MethodGet, "/exams/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := do(t, h, http.MethodGet, "/exams/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, exam.MsgBookingNotFound, env.Message)
}

func TestReadiness(t *testing.T) {
	h := NewRouter(RouterConfig{Service: &stubService{}, Health: []Pinger{
		{Name: "postgres", Ping: func(context.Context) error { return nil }},
		{Name: "redis", Ping: func(context.Context) error { return errors.New("down") }, Optional: true},
	}})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Dependencies["redis"])
}

func TestRateLimit(t *testing.T) {
	svc := &stubService{checkIn: &exam.CheckInResult{Valid: true}}
	h := NewRouter(RouterConfig{Service: svc, RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/exams/check-in", `{"qrCode":"abc"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec, env := do(t, h, http.MethodPost, "/exams/check-in", `{"qrCode":"abc"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error)
}
