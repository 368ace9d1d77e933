package exam

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusAccept  Status = "accept"
	StatusReject  Status = "reject"
)

func (s Status) Terminal() bool {
	return s == StatusAccept || s == StatusReject
}

type ExamType string

const (
	ExamTypeInsurance ExamType = "insurance"
	ExamTypeSelfPay   ExamType = "self_pay"
)

// CallerRole decides the allocation policy. Only the front desk confirms
// bookings immediately and may be moved to a later time.
type CallerRole int

const (
	RolePatient CallerRole = iota
	RoleFrontDesk
)

func ParseCallerRole(s string) CallerRole {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front-desk", "front_desk", "frontdesk", "receptionist":
		return RoleFrontDesk
	default:
		return RolePatient
	}
}

func (r CallerRole) String() string {
	if r == RoleFrontDesk {
		return "front-desk"
	}
	return "patient"
}

func (r CallerRole) searchesForward() bool { return r == RoleFrontDesk }

func (r CallerRole) initialStatus() Status {
	if r == RoleFrontDesk {
		return StatusAccept
	}
	return StatusPending
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type TimeSlotTemplate struct {
	ID        uuid.UUID `json:"id" bson:"_id"`
	Time      string    `json:"time" bson:"time"`
	Capacity  int       `json:"capacity" bson:"capacity"`
	IsActive  bool      `json:"isActive" bson:"is_active"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

type ScheduleSlot struct {
	ID           uuid.UUID `json:"id" bson:"_id"`
	Date         string    `json:"date" bson:"date"`
	TimeSlot     string    `json:"timeSlot" bson:"timeSlot"`
	RoomID       string    `json:"roomId" bson:"roomId"`
	Capacity     int       `json:"capacity" bson:"capacity"`
	CurrentCount int       `json:"currentCount" bson:"currentCount"`
	IsActive     bool      `json:"isActive" bson:"is_active"`
	CreatedAt    time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" bson:"updated_at"`
}

func (s ScheduleSlot) HasCapacity() bool {
	return s.IsActive && s.CurrentCount < s.Capacity
}

type ExamRecord struct {
	ID              uuid.UUID `json:"id" bson:"_id"`
	FullName        string    `json:"fullName" bson:"fullName"`
	Phone           string    `json:"phone" bson:"phone"`
	CitizenID       string    `json:"citizenId" bson:"citizenId"`
	DateOfBirth     string    `json:"dateOfBirth" bson:"dateOfBirth"`
	Gender          string    `json:"gender" bson:"gender"`
	Address         string    `json:"address" bson:"address"`
	InsuranceNumber string    `json:"insuranceNumber,omitempty" bson:"insuranceNumber"`
	ExamType        ExamType  `json:"examType" bson:"examType"`
	RoomID          string    `json:"roomId" bson:"roomId"`
	DepartmentID    string    `json:"departmentId,omitempty" bson:"departmentId"`
	SlotID          uuid.UUID `json:"slotId" bson:"slotId"`
	ExamDate        string    `json:"examDate" bson:"examDate"`
	ExamTime        string    `json:"examTime" bson:"examTime"`
	Status          Status    `json:"status" bson:"status"`
	QueueNumber     *int      `json:"queueNumber" bson:"queueNumber"`
	Symptoms        string    `json:"symptoms,omitempty" bson:"symptoms"`
	CreatedBy       string    `json:"createdBy" bson:"createdBy"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ScheduledAt is the wall-clock start of the exam in loc.
func (r ExamRecord) ScheduledAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.ExamDate+" "+r.ExamTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %s %s: %w", r.ExamDate, r.ExamTime, err)
	}
	return t, nil
}

type EventLog struct {
	ID        int64
	EventType string
	ExamID    *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

type ListFilter struct {
	DateFrom        string
	DateTo          string
	RoomID          string
	Status          Status
	InsuranceNumber string
	Limit           int
	Offset          int
}

type ListResult struct {
	Items []ExamRecord `json:"items"`
	Total int64        `json:"total"`
}

// SlotAvailability is one template time for a room/day with what is left.
type SlotAvailability struct {
	Time      string `json:"time"`
	Capacity  int    `json:"capacity"`
	Booked    int    `json:"booked"`
	Remaining int    `json:"remaining"`
}

// normalizeTime turns "8:00", "08:00" or "08:00:00" into "08:00".
func normalizeTime(s string) (string, error) {
	m, err := minutesOf(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60), nil
}

func minutesOf(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time label %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid time label %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time label %q", s)
	}
	return h*60 + m, nil
}
