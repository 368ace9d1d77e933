package exam

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTemplateNotFound = errors.New("time slot template not found")
	ErrSlotNotFound     = errors.New("schedule slot not found")
	ErrSlotExists       = errors.New("schedule slot already exists")
	ErrSlotFull         = errors.New("schedule slot is full")
	ErrExamNotFound     = errors.New("exam record not found")
	// ErrStatusConflict means a conditional status update found the record
	// in a different state than expected.
	ErrStatusConflict = errors.New("exam status changed concurrently")
	ErrQueueNumberSet = errors.New("queue number already set")
)

type TemplateRepository interface {
	ListActiveTemplates(ctx context.Context) ([]TimeSlotTemplate, error)
	CreateTemplate(ctx context.Context, t TimeSlotTemplate) (*TimeSlotTemplate, error)
	DeactivateTemplate(ctx context.Context, id uuid.UUID) error
}

// SlotRepository owns the capacity counters. TryIncrement must be a single
// conditional update so it stays correct across processes.
type SlotRepository interface {
	FindSlot(ctx context.Context, date, timeSlot, roomID string) (*ScheduleSlot, error)
	// CreateSlot returns ErrSlotExists on a (date, timeSlot, roomID) clash.
	CreateSlot(ctx context.Context, s ScheduleSlot) (*ScheduleSlot, error)
	// TryIncrement returns ErrSlotFull when the increment would exceed capacity.
	TryIncrement(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error)
	ListSlots(ctx context.Context, date, roomID string) ([]ScheduleSlot, error)
}

type ExamRepository interface {
	CreateExam(ctx context.Context, r ExamRecord) (*ExamRecord, error)
	GetExamByID(ctx context.Context, id uuid.UUID) (*ExamRecord, error)
	ListExams(ctx context.Context, f ListFilter) (*ListResult, error)
	UpdateExamStatus(ctx context.Context, id uuid.UUID, from, to Status) (*ExamRecord, error)
	// SetQueueNumber writes the number only while it is still unset.
	SetQueueNumber(ctx context.Context, id uuid.UUID, queueNumber int) error
	FindActiveByInsuranceNumber(ctx context.Context, insuranceNumber, fromDate string) (*ExamRecord, error)
	// ListUnsynced returns accepted records without a queue number last
	// updated before updatedBefore, oldest first.
	ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]ExamRecord, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store bundles the repositories one storage driver provides.
type Store interface {
	TemplateRepository
	SlotRepository
	ExamRepository
	Ping(ctx context.Context) error
}
