package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const templateColumns = `id, time, capacity, is_active, created_at`

const slotColumns = `id, exam_date::text, time_slot, room_id, capacity, current_count, is_active, created_at, updated_at`

const examColumns = `id, full_name, phone, citizen_id, date_of_birth, gender, address, insurance_number,
	exam_type, room_id, department_id, slot_id, exam_date::text, exam_time, status, queue_number,
	symptoms, created_by, created_at, updated_at`

func scanTemplate(row pgx.Row) (*TimeSlotTemplate, error) {
	var t TimeSlotTemplate
	err := row.Scan(&t.ID, &t.Time, &t.Capacity, &t.IsActive, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanSlot(row pgx.Row) (*ScheduleSlot, error) {
	var s ScheduleSlot

	err := row.Scan(
		&s.ID,
		&s.Date,
		&s.TimeSlot,
		&s.RoomID,
		&s.Capacity,
		&s.CurrentCount,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanExam(row pgx.Row) (*ExamRecord, error) {
	var r ExamRecord
	var queueNumber *int32

	err := row.Scan(
		&r.ID,
		&r.FullName,
		&r.Phone,
		&r.CitizenID,
		&r.DateOfBirth,
		&r.Gender,
		&r.Address,
		&r.InsuranceNumber,
		&r.ExamType,
		&r.RoomID,
		&r.DepartmentID,
		&r.SlotID,
		&r.ExamDate,
		&r.ExamTime,
		&r.Status,
		&queueNumber,
		&r.Symptoms,
		&r.CreatedBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}

	if queueNumber != nil {
		n := int(*queueNumber)
		r.QueueNumber = &n
	}
	return &r, nil
}

func collectExams(rows pgx.Rows) ([]ExamRecord, error) {
	defer rows.Close()

	var result []ExamRecord
	for rows.Next() {
		r, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Templates

func (r *PgRepository) ListActiveTemplates(ctx context.Context) ([]TimeSlotTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+templateColumns+`
		FROM time_slot_templates
		WHERE is_active
		ORDER BY time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TimeSlotTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (r *PgRepository) CreateTemplate(ctx context.Context, t TimeSlotTemplate) (*TimeSlotTemplate, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO time_slot_templates (id, time, capacity, is_active, created_at)
		VALUES ($1, $2, $3, TRUE, now())
		ON CONFLICT (time) DO UPDATE SET is_active = TRUE
		RETURNING `+templateColumns, t.ID, t.Time, t.Capacity)
	return scanTemplate(row)
}

func (r *PgRepository) DeactivateTemplate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE time_slot_templates SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// Slots

func (r *PgRepository) FindSlot(ctx context.Context, date, timeSlot, roomID string) (*ScheduleSlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM schedule_slots
		WHERE exam_date = $1::date AND time_slot = $2 AND room_id = $3
	`, date, timeSlot, roomID)
	return scanSlot(row)
}

func (r *PgRepository) CreateSlot(ctx context.Context, s ScheduleSlot) (*ScheduleSlot, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO schedule_slots (id, exam_date, time_slot, room_id, capacity, current_count, is_active, created_at, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, TRUE, now(), now())
		RETURNING `+slotColumns, s.ID, s.Date, s.TimeSlot, s.RoomID, s.Capacity, s.CurrentCount)

	created, err := scanSlot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotExists
		}
		return nil, fmt.Errorf("insert schedule slot: %w", err)
	}
	return created, nil
}

func (r *PgRepository) TryIncrement(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE schedule_slots
		SET current_count = current_count + 1,
		    updated_at = now()
		WHERE id = $1
		  AND is_active
		  AND current_count < capacity
		RETURNING `+slotColumns, id)

	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotFull
	}
	return s, err
}

func (r *PgRepository) ListSlots(ctx context.Context, date, roomID string) ([]ScheduleSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM schedule_slots
		WHERE exam_date = $1::date AND room_id = $2
		ORDER BY time_slot
	`, date, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ScheduleSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// Exam records

func (r *PgRepository) CreateExam(ctx context.Context, e ExamRecord) (*ExamRecord, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO exam_records (id, full_name, phone, citizen_id, date_of_birth, gender, address, insurance_number,
			exam_type, room_id, department_id, slot_id, exam_date, exam_time, status, queue_number,
			symptoms, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::date, $14, $15, NULL, $16, $17, now(), now())
		RETURNING `+examColumns,
		e.ID, e.FullName, e.Phone, e.CitizenID, e.DateOfBirth, e.Gender, e.Address, e.InsuranceNumber,
		e.ExamType, e.RoomID, e.DepartmentID, e.SlotID, e.ExamDate, e.ExamTime, e.Status,
		e.Symptoms, e.CreatedBy)

	created, err := scanExam(row)
	if err != nil {
		return nil, fmt.Errorf("insert exam record: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetExamByID(ctx context.Context, id uuid.UUID) (*ExamRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+examColumns+`
		FROM exam_records
		WHERE id = $1
	`, id)
	return scanExam(row)
}

func (r *PgRepository) ListExams(ctx context.Context, f ListFilter) (*ListResult, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.DateFrom != "" {
		add("exam_date >= $%d::date", f.DateFrom)
	}
	if f.DateTo != "" {
		add("exam_date <= $%d::date", f.DateTo)
	}
	if f.RoomID != "" {
		add("room_id = $%d", f.RoomID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.InsuranceNumber != "" {
		add("insurance_number = $%d", f.InsuranceNumber)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM exam_records `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count exam records: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM exam_records
		%s
		ORDER BY exam_date DESC, exam_time, created_at
		LIMIT $%d OFFSET $%d
	`, examColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list exam records: %w", err)
	}

	items, err := collectExams(rows)
	if err != nil {
		return nil, err
	}
	return &ListResult{Items: items, Total: total}, nil
}

func (r *PgRepository) UpdateExamStatus(ctx context.Context, id uuid.UUID, from, to Status) (*ExamRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE exam_records
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+examColumns, id, to, from)

	updated, err := scanExam(row)
	if errors.Is(err, ErrExamNotFound) {
		if _, getErr := r.GetExamByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return updated, err
}

func (r *PgRepository) SetQueueNumber(ctx context.Context, id uuid.UUID, queueNumber int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE exam_records
		SET queue_number = $2,
		    updated_at = now()
		WHERE id = $1
		  AND queue_number IS NULL
	`, id, queueNumber)
	if err != nil {
		return fmt.Errorf("set queue number: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetExamByID(ctx, id); err != nil {
			return err
		}
		return ErrQueueNumberSet
	}
	return nil
}

func (r *PgRepository) FindActiveByInsuranceNumber(ctx context.Context, insuranceNumber, fromDate string) (*ExamRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+examColumns+`
		FROM exam_records
		WHERE insurance_number = $1
		  AND status IN ('pending', 'accept')
		  AND exam_date >= $2::date
		ORDER BY exam_date, exam_time
		LIMIT 1
	`, insuranceNumber, fromDate)
	return scanExam(row)
}

func (r *PgRepository) ListUnsynced(ctx context.Context, updatedBefore time.Time, limit int) ([]ExamRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+examColumns+`
		FROM exam_records
		WHERE status = 'accept'
		  AND queue_number IS NULL
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectExams(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, exam_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ExamID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
