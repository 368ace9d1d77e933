package exam

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// forwardAttempts is how many later template times a front-desk booking may
// be moved to before the day counts as full.
const forwardAttempts = 5

var (
	ErrSlotUnavailable = errors.New("requested slot is unavailable")
	ErrNoSlotInDay     = errors.New("no available slot in day")
	ErrInvalidTime     = errors.New("invalid time label")
)

// SlotUnavailableError names the exact time an ordinary caller asked for.
type SlotUnavailableError struct {
	Time string
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot %s is unavailable", e.Time)
}

func (e *SlotUnavailableError) Is(target error) bool {
	return target == ErrSlotUnavailable
}

// Allocator reserves capacity on schedule slots. Counters are only changed
// through SlotRepository.TryIncrement, so it is safe across processes.
type Allocator struct {
	slots     SlotRepository
	templates *TemplateCache
	log       *zap.Logger
}

func NewAllocator(slots SlotRepository, templates *TemplateCache, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{slots: slots, templates: templates, log: log.Named("allocator")}
}

// Reserve takes one unit of capacity for (date, requestedTime, roomID) and
// returns the slot together with the time actually assigned.
func (a *Allocator) Reserve(ctx context.Context, date, requestedTime, roomID string, role CallerRole) (*ScheduleSlot, string, error) {
	requested, err := normalizeTime(requestedTime)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTime, requestedTime)
	}
	requestedMin, _ := minutesOf(requested)

	templates, err := a.templates.Active(ctx)
	if err != nil {
		return nil, "", err
	}

	for _, t := range templates {
		if t.Time != requested {
			continue
		}
		slot, err := a.reserveAt(ctx, date, t, roomID)
		if err == nil {
			return slot, slot.TimeSlot, nil
		}
		if !errors.Is(err, ErrSlotFull) {
			return nil, "", err
		}
		break
	}

	if !role.searchesForward() {
		return nil, "", &SlotUnavailableError{Time: requested}
	}

	tried := 0
	for _, t := range templates {
		if tried == forwardAttempts {
			break
		}
		m, err := minutesOf(t.Time)
		if err != nil || m <= requestedMin {
			continue
		}
		tried++

		slot, err := a.reserveAt(ctx, date, t, roomID)
		if err == nil {
			a.log.Info("booking moved to later slot",
				zap.String("date", date),
				zap.String("room_id", roomID),
				zap.String("requested", requested),
				zap.String("assigned", slot.TimeSlot),
			)
			return slot, slot.TimeSlot, nil
		}
		if !errors.Is(err, ErrSlotFull) {
			return nil, "", err
		}
	}

	return nil, "", ErrNoSlotInDay
}

// reserveAt finds or creates the slot for template t and increments it.
// ErrSlotFull means the caller should move on to another candidate.
func (a *Allocator) reserveAt(ctx context.Context, date string, t TimeSlotTemplate, roomID string) (*ScheduleSlot, error) {
	slot, err := a.slots.FindSlot(ctx, date, t.Time, roomID)
	if errors.Is(err, ErrSlotNotFound) {
		if t.Capacity <= 0 {
			return nil, ErrSlotFull
		}
		created, createErr := a.slots.CreateSlot(ctx, ScheduleSlot{
			Date:         date,
			TimeSlot:     t.Time,
			RoomID:       roomID,
			Capacity:     t.Capacity,
			CurrentCount: 1,
		})
		if createErr == nil {
			return created, nil
		}
		if !errors.Is(createErr, ErrSlotExists) {
			return nil, fmt.Errorf("create slot %s %s: %w", date, t.Time, createErr)
		}
		// lost the creation race; reload and take a unit from the winner's slot
		slot, err = a.slots.FindSlot(ctx, date, t.Time, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("find slot %s %s: %w", date, t.Time, err)
	}

	if !slot.HasCapacity() {
		return nil, ErrSlotFull
	}
	return a.slots.TryIncrement(ctx, slot.ID)
}
