package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	redisclient "github.com/hackgods/outpatient-exam-booking/internal/redis"
)

const (
	EventExamCreated    = "EXAM_CREATED"
	EventExamAccepted   = "EXAM_ACCEPTED"
	EventExamRejected   = "EXAM_REJECTED"
	EventExamSynced     = "EXAM_SYNCED"
	EventExamSyncFailed = "EXAM_SYNC_FAILED"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrSyncFailed   = errors.New("HIS synchronization failed")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, f+" ("+rule+")")
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// SyncResult is what the HIS hands back for an accepted admission.
type SyncResult struct {
	QueueNumber   int
	AdmissionCode string
}

type Synchronizer interface {
	Push(ctx context.Context, rec *ExamRecord) (*SyncResult, error)
}

type CardVerifier interface {
	VerifyCard(ctx context.Context, q insurance.CardQuery) (*insurance.Verification, error)
}

type CreateBookingRequest struct {
	FullName        string   `json:"fullName" validate:"required,max=100"`
	Phone           string   `json:"phone" validate:"required,numeric,min=9,max=11"`
	CitizenID       string   `json:"citizenId" validate:"required,numeric,len=12|len=9"`
	DateOfBirth     string   `json:"dateOfBirth" validate:"required,datetime=02/01/2006"`
	Gender          string   `json:"gender" validate:"required,max=10"`
	Address         string   `json:"address" validate:"max=255"`
	InsuranceNumber string   `json:"insuranceNumber" validate:"required_if=ExamType insurance,max=15"`
	ExamType        ExamType `json:"examType" validate:"required,oneof=insurance self_pay"`
	RoomID          string   `json:"roomId" validate:"required,max=64"`
	DepartmentID    string   `json:"departmentId" validate:"max=64"`
	ExamDate        string   `json:"examDate" validate:"required,datetime=2006-01-02"`
	ExamTime        string   `json:"examTime" validate:"required"`
	Symptoms        string   `json:"symptoms" validate:"max=1000"`
	CreatedBy       string   `json:"-"`
}

type Booking struct {
	Record  *ExamRecord `json:"record"`
	QRCode  string      `json:"qrCode"`
	QRImage string      `json:"qrImage,omitempty"`
	Message string      `json:"message"`
}

type CheckInResult struct {
	Valid   bool        `json:"valid"`
	Message string      `json:"message"`
	Warning string      `json:"warning,omitempty"`
	Record  *ExamRecord `json:"record,omitempty"`
}

type VerificationResult struct {
	insurance.Verification
	ExistingBooking *ExamRecord `json:"existingBooking,omitempty"`
}

type Options struct {
	// LateWindow is how long after the scheduled time check-in is accepted.
	LateWindow  time.Duration
	Location    *time.Location
	ResyncBatch int
	// SyncGrace keeps the re-sync job away from records accepted this
	// recently; it must exceed the HIS timeout.
	SyncGrace time.Duration
}

// Service is the booking engine: it allocates slots, persists bookings,
// pushes confirmed ones to the HIS and runs the QR check-in.
type Service struct {
	store     Store
	allocator *Allocator
	templates *TemplateCache
	his       Synchronizer
	verifier  CardVerifier
	locker    redisclient.Locker
	validate  *validator.Validate
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	// trailing queue-number writes
	bg sync.WaitGroup
}

func NewService(
	store Store,
	allocator *Allocator,
	templates *TemplateCache,
	his Synchronizer,
	verifier CardVerifier,
	locker redisclient.Locker,
	opts Options,
	log *zap.Logger,
) *Service {
	if opts.LateWindow <= 0 {
		opts.LateWindow = 15 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ResyncBatch <= 0 {
		opts.ResyncBatch = 50
	}
	if opts.SyncGrace <= 0 {
		opts.SyncGrace = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		allocator: allocator,
		templates: templates,
		his:       his,
		verifier:  verifier,
		locker:    locker,
		validate:  validator.New(),
		opts:      opts,
		log:       log.Named("exam"),
		now:       time.Now,
	}
}

// CreateBooking reserves a slot and stores the booking. Front-desk bookings
// are accepted at once and pushed to the HIS before returning; a failed push
// fails the call but leaves the slot and the record in place.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest, role CallerRole) (*Booking, error) {
	req = normalizeRequest(req)
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if _, err := normalizeTime(req.ExamTime); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"examTime": "HH:MM"}}
	}

	slot, assigned, err := s.allocator.Reserve(ctx, req.ExamDate, req.ExamTime, req.RoomID, role)
	if err != nil {
		return nil, err
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = role.String()
	}

	rec, err := s.store.CreateExam(ctx, ExamRecord{
		FullName:        req.FullName,
		Phone:           req.Phone,
		CitizenID:       req.CitizenID,
		DateOfBirth:     req.DateOfBirth,
		Gender:          req.Gender,
		Address:         req.Address,
		InsuranceNumber: req.InsuranceNumber,
		ExamType:        req.ExamType,
		RoomID:          req.RoomID,
		DepartmentID:    req.DepartmentID,
		SlotID:          slot.ID,
		ExamDate:        req.ExamDate,
		ExamTime:        assigned,
		Status:          role.initialStatus(),
		Symptoms:        req.Symptoms,
		CreatedBy:       createdBy,
	})
	if err != nil {
		return nil, fmt.Errorf("persist exam record: %w", err)
	}

	s.logEvent(ctx, rec.ID, EventExamCreated, map[string]any{
		"slot_id":        slot.ID.String(),
		"requested_time": req.ExamTime,
		"assigned_time":  assigned,
		"status":         rec.Status,
		"role":           role.String(),
	})

	msg := MsgBookingCreated
	if rec.Status == StatusAccept {
		res, err := s.pushAccepted(ctx, rec, "create")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
		q := res.QueueNumber
		rec.QueueNumber = &q
		msg = MsgBookingConfirmed
	}

	return s.booking(rec, msg), nil
}

func (s *Service) booking(rec *ExamRecord, msg string) *Booking {
	b := &Booking{Record: rec, QRCode: EncodeQR(rec.ID), Message: msg}
	img, err := RenderQR(b.QRCode)
	if err != nil {
		s.log.Warn("render qr failed", zap.String("exam_id", rec.ID.String()), zap.Error(err))
	} else {
		b.QRImage = img
	}
	return b
}

func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	rec, err := s.store.GetExamByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.booking(rec, ""), nil
}

func (s *Service) ListBookings(ctx context.Context, f ListFilter) (*ListResult, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	res, err := s.store.ListExams(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list exam records: %w", err)
	}
	if res.Items == nil {
		res.Items = []ExamRecord{}
	}
	return res, nil
}

// CheckIn redeems a QR code. Business outcomes (too early, late, cancelled)
// come back as an invalid result with a nil error.
func (s *Service) CheckIn(ctx context.Context, qrPayload string) (*CheckInResult, error) {
	id, err := DecodeQR(qrPayload)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetExamByID(ctx, id)
	if err != nil {
		return nil, err
	}

	scheduled, err := rec.ScheduledAt(s.opts.Location)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.opts.Location)

	if now.Before(scheduled) {
		return &CheckInResult{Valid: false, Message: MsgTooEarly, Record: rec}, nil
	}

	if now.After(scheduled.Add(s.opts.LateWindow)) {
		return s.checkInLate(ctx, rec)
	}

	switch rec.Status {
	case StatusReject:
		return &CheckInResult{Valid: false, Message: MsgBookingRejected, Record: rec}, nil
	case StatusAccept:
		return &CheckInResult{Valid: true, Message: MsgAlreadyCheckedIn, Record: rec}, nil
	}

	// The conditional transition decides which concurrent check-in pushes.
	accepted, err := s.store.UpdateExamStatus(ctx, rec.ID, StatusPending, StatusAccept)
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := s.store.GetExamByID(ctx, rec.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusAccept {
			return &CheckInResult{Valid: true, Message: MsgAlreadyCheckedIn, Record: current}, nil
		}
		return &CheckInResult{Valid: false, Message: MsgBookingRejected, Record: current}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accept exam record: %w", err)
	}
	s.logEvent(ctx, accepted.ID, EventExamAccepted, map[string]any{"source": "check_in"})

	res, err := s.pushAccepted(ctx, accepted, "check_in")
	if err != nil {
		s.log.Warn("HIS push failed at check-in", zap.String("exam_id", accepted.ID.String()), zap.Error(err))
		return &CheckInResult{
			Valid:   true,
			Message: MsgCheckInSuccess,
			Warning: MsgSyncIncomplete,
			Record:  accepted,
		}, nil
	}

	q := res.QueueNumber
	accepted.QueueNumber = &q
	return &CheckInResult{Valid: true, Message: MsgCheckInSuccess, Record: accepted}, nil
}

// checkInLate cancels a pending booking. Accepted bookings are terminal and
// keep their status.
func (s *Service) checkInLate(ctx context.Context, rec *ExamRecord) (*CheckInResult, error) {
	if rec.Status == StatusPending {
		updated, err := s.store.UpdateExamStatus(ctx, rec.ID, StatusPending, StatusReject)
		switch {
		case err == nil:
			rec = updated
			s.logEvent(ctx, rec.ID, EventExamRejected, map[string]any{"reason": "late_check_in"})
		case errors.Is(err, ErrStatusConflict):
			current, getErr := s.store.GetExamByID(ctx, rec.ID)
			if getErr != nil {
				return nil, getErr
			}
			rec = current
		default:
			return nil, fmt.Errorf("reject exam record: %w", err)
		}
	}

	if rec.Status == StatusAccept {
		return &CheckInResult{Valid: false, Message: MsgLateAccepted, Record: rec}, nil
	}
	return &CheckInResult{Valid: false, Message: MsgLateCancelled, Record: rec}, nil
}

// VerifyInsuranceCard checks the card with the registry and, for a valid
// card, returns any upcoming booking already made with it. The error is
// non-nil only when the registry could not be reached; the result still
// carries the message to show.
func (s *Service) VerifyInsuranceCard(ctx context.Context, q insurance.CardQuery) (*VerificationResult, error) {
	q.CardNumber = strings.ToUpper(strings.TrimSpace(q.CardNumber))
	q.FullName = strings.TrimSpace(q.FullName)
	q.DateOfBirth = strings.TrimSpace(q.DateOfBirth)
	if err := s.validateStruct(q); err != nil {
		return nil, err
	}

	v, err := s.verifier.VerifyCard(ctx, q)
	if v == nil {
		return nil, err
	}
	out := &VerificationResult{Verification: *v}
	if err != nil || !v.Success || v.Profile == nil {
		return out, err
	}

	today := s.now().In(s.opts.Location).Format(DateLayout)
	for _, number := range []string{v.Profile.CardNumber, v.Profile.OriginalNumber} {
		if number == "" {
			continue
		}
		existing, err := s.store.FindActiveByInsuranceNumber(ctx, number, today)
		if errors.Is(err, ErrExamNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("existing booking lookup failed", zap.String("insurance_number", number), zap.Error(err))
			break
		}
		out.ExistingBooking = existing
		break
	}
	return out, nil
}

// Availability lists every active template time for a room and day with the
// capacity left.
func (s *Service) Availability(ctx context.Context, date, roomID string) ([]SlotAvailability, error) {
	if _, err := time.Parse(DateLayout, date); err != nil || strings.TrimSpace(roomID) == "" {
		return nil, &ValidationError{Fields: map[string]string{"date": "yyyy-mm-dd", "roomId": "required"}}
	}

	templates, err := s.templates.Active(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, date, roomID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	byTime := make(map[string]ScheduleSlot, len(slots))
	for _, sl := range slots {
		if t, err := normalizeTime(sl.TimeSlot); err == nil {
			byTime[t] = sl
		}
	}

	out := make([]SlotAvailability, 0, len(templates))
	for _, t := range templates {
		a := SlotAvailability{Time: t.Time, Capacity: t.Capacity, Remaining: t.Capacity}
		if sl, ok := byTime[t.Time]; ok {
			a.Capacity = sl.Capacity
			a.Booked = sl.CurrentCount
			a.Remaining = sl.Capacity - sl.CurrentCount
			if !sl.IsActive || a.Remaining < 0 {
				a.Remaining = 0
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// pushAccepted sends an accepted record to the HIS under the record's sync
// lock. On success the lock is held until the queue number is stored, so the
// re-sync job cannot observe a pushed record without one.
func (s *Service) pushAccepted(ctx context.Context, rec *ExamRecord, source string) (*SyncResult, error) {
	release, err := s.locker.Acquire(ctx, syncLockKey(rec.ID))
	if err != nil {
		s.logEvent(ctx, rec.ID, EventExamSyncFailed, map[string]any{"error": err.Error(), "source": source})
		return nil, fmt.Errorf("sync lock: %w", err)
	}

	res, err := s.his.Push(ctx, rec)
	if err != nil {
		release()
		s.logEvent(ctx, rec.ID, EventExamSyncFailed, map[string]any{"error": err.Error(), "source": source})
		return nil, err
	}
	s.storeQueueNumberAsync(rec.ID, res, release)
	return res, nil
}

func syncLockKey(id uuid.UUID) string {
	return "exam-sync:" + id.String()
}

// ResyncAccepted pushes accepted bookings that never received a queue
// number. Records updated within SyncGrace are left to the request that
// accepted them. Each record is handled under its own lock so that several
// workers can run side by side. It returns how many records were synchronized.
func (s *Service) ResyncAccepted(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.SyncGrace)
	pending, err := s.store.ListUnsynced(ctx, cutoff, s.opts.ResyncBatch)
	if err != nil {
		return 0, fmt.Errorf("list unsynced exam records: %w", err)
	}

	synced := 0
	for _, candidate := range pending {
		id := candidate.ID
		err := s.locker.WithLock(ctx, syncLockKey(id), func(lockCtx context.Context) error {
			rec, err := s.store.GetExamByID(lockCtx, id)
			if err != nil {
				return err
			}
			if rec.Status != StatusAccept || rec.QueueNumber != nil {
				return nil
			}

			res, err := s.his.Push(lockCtx, rec)
			if err != nil {
				s.logEvent(lockCtx, id, EventExamSyncFailed, map[string]any{"error": err.Error(), "source": "resync"})
				return err
			}
			if err := s.store.SetQueueNumber(lockCtx, id, res.QueueNumber); err != nil && !errors.Is(err, ErrQueueNumberSet) {
				return err
			}
			s.logEvent(lockCtx, id, EventExamSynced, map[string]any{
				"queue_number":   res.QueueNumber,
				"admission_code": res.AdmissionCode,
				"source":         "resync",
			})
			synced++
			return nil
		})

		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			continue
		}
		if err != nil {
			s.log.Warn("resync failed", zap.String("exam_id", id.String()), zap.Error(err))
		}
	}
	return synced, nil
}

// Wait blocks until trailing queue-number writes have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

// storeQueueNumberAsync records the HIS queue number without holding up the
// response, then releases the sync lock.
func (s *Service) storeQueueNumberAsync(id uuid.UUID, res *SyncResult, release func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.store.SetQueueNumber(ctx, id, res.QueueNumber); err != nil {
			if errors.Is(err, ErrQueueNumberSet) {
				return
			}
			s.log.Error("store queue number failed",
				zap.String("exam_id", id.String()),
				zap.Int("queue_number", res.QueueNumber),
				zap.Error(err),
			)
			return
		}
		s.logEvent(ctx, id, EventExamSynced, map[string]any{
			"queue_number":   res.QueueNumber,
			"admission_code": res.AdmissionCode,
		})
	}()
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[lowerFirst(fe.Field())] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func normalizeRequest(r CreateBookingRequest) CreateBookingRequest {
	r.FullName = strings.TrimSpace(r.FullName)
	r.Phone = strings.TrimSpace(r.Phone)
	r.CitizenID = strings.TrimSpace(r.CitizenID)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.Gender = strings.TrimSpace(r.Gender)
	r.Address = strings.TrimSpace(r.Address)
	r.InsuranceNumber = strings.ToUpper(strings.TrimSpace(r.InsuranceNumber))
	r.RoomID = strings.TrimSpace(r.RoomID)
	r.DepartmentID = strings.TrimSpace(r.DepartmentID)
	r.ExamDate = strings.TrimSpace(r.ExamDate)
	r.ExamTime = strings.TrimSpace(r.ExamTime)
	if r.ExamType == ExamTypeSelfPay {
		r.InsuranceNumber = ""
	}
	return r
}

func (s *Service) logEvent(ctx context.Context, examID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload failed", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	id := examID
	ev := EventLog{
		EventType: eventType,
		ExamID:    &id,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("insert event log failed",
			zap.String("event", eventType),
			zap.String("exam_id", examID.String()),
			zap.Error(err),
		)
	}
}
