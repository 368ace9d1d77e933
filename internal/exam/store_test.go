package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the database implementations.
type memStore struct {
	mu        sync.Mutex
	templates map[uuid.UUID]TimeSlotTemplate
	slots     map[uuid.UUID]*ScheduleSlot
	exams     map[uuid.UUID]*ExamRecord
	events    []EventLog

	templateLoads int
	now           func() time.Time
	// createSlotHook runs before a slot insert, outside the lock.
	createSlotHook func()
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[uuid.UUID]TimeSlotTemplate{},
		slots:     map[uuid.UUID]*ScheduleSlot{},
		exams:     map[uuid.UUID]*ExamRecord{},
		now:       time.Now,
	}
}

func (m *memStore) addTemplate(tm string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.templates[id] = TimeSlotTemplate{ID: id, Time: tm, Capacity: capacity, IsActive: true}
}

func (m *memStore) loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templateLoads
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) ListActiveTemplates(context.Context) ([]TimeSlotTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templateLoads++
	var out []TimeSlotTemplate
	for _, t := range m.templates {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) CreateTemplate(_ context.Context, t TimeSlotTemplate) (*TimeSlotTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.templates {
		if existing.Time == t.Time {
			existing.IsActive = true
			m.templates[id] = existing
			return &existing, nil
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.IsActive = true
	m.templates[t.ID] = t
	return &t, nil
}

func (m *memStore) DeactivateTemplate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return ErrTemplateNotFound
	}
	t.IsActive = false
	m.templates[id] = t
	return nil
}

func (m *memStore) FindSlot(_ context.Context, date, timeSlot, roomID string) (*ScheduleSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.Date == date && s.TimeSlot == timeSlot && s.RoomID == roomID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSlotNotFound
}

func (m *memStore) CreateSlot(_ context.Context, s ScheduleSlot) (*ScheduleSlot, error) {
	if m.createSlotHook != nil {
		m.createSlotHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.slots {
		if existing.Date == s.Date && existing.TimeSlot == s.TimeSlot && existing.RoomID == s.RoomID {
			return nil, ErrSlotExists
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.IsActive = true
	m.slots[s.ID] = &s
	cp := s
	return &cp, nil
}

func (m *memStore) TryIncrement(_ context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || !s.IsActive || s.CurrentCount >= s.Capacity {
		return nil, ErrSlotFull
	}
	s.CurrentCount++
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSlots(_ context.Context, date, roomID string) ([]ScheduleSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduleSlot
	for _, s := range m.slots {
		if s.Date == date && s.RoomID == roomID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeSlot < out[j].TimeSlot })
	return out, nil
}

func (m *memStore) slotsSnapshot() []ScheduleSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduleSlot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	return out
}

func (m *memStore) CreateExam(_ context.Context, r ExamRecord) (*ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.QueueNumber = nil
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	m.exams[r.ID] = &r
	cp := r
	return &cp, nil
}

func (m *memStore) GetExamByID(_ context.Context, id uuid.UUID) (*ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.exams[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListExams(_ context.Context, f ListFilter) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []ExamRecord
	for _, r := range m.exams {
		if f.RoomID != "" && r.RoomID != f.RoomID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		items = append(items, *r)
	}
	return &ListResult{Items: items, Total: int64(len(items))}, nil
}

func (m *memStore) UpdateExamStatus(_ context.Context, id uuid.UUID, from, to Status) (*ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.exams[id]
	if !ok {
		return nil, ErrExamNotFound
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}
	r.Status = to
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func (m *memStore) SetQueueNumber(_ context.Context, id uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.exams[id]
	if !ok {
		return ErrExamNotFound
	}
	if r.QueueNumber != nil {
		return ErrQueueNumberSet
	}
	r.QueueNumber = &n
	r.UpdatedAt = m.now()
	return nil
}

func (m *memStore) FindActiveByInsuranceNumber(_ context.Context, number, fromDate string) (*ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.exams {
		if r.InsuranceNumber == number && r.ExamDate >= fromDate && (r.Status == StatusPending || r.Status == StatusAccept) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrExamNotFound
}

func (m *memStore) ListUnsynced(_ context.Context, updatedBefore time.Time, limit int) ([]ExamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExamRecord
	for _, r := range m.exams {
		if r.Status == StatusAccept && r.QueueNumber == nil && r.UpdatedAt.Before(updatedBefore) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType
	}
	return out
}
