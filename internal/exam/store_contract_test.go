package exam

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/outpatient-exam-booking/internal/db"
)

// Integration runs need a disposable database:
//
//	EXAM_TEST_POSTGRES_DSN=postgres://u:p@localhost:5432/exam_test
//	EXAM_TEST_MONGO_URI=mongodb://localhost:27017
const (
	envTestPostgresDSN = "EXAM_TEST_POSTGRES_DSN"
	envTestMongoURI    = "EXAM_TEST_MONGO_URI"
)

func TestStoreContract_Memory(t *testing.T) {
	runStoreContract(t, newMemStore())
}

func TestStoreContract_Postgres(t *testing.T) {
	dsn := os.Getenv(envTestPostgresDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestPostgresDSN)
	}
	ctx := context.Background()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PostgresOptions{MaxConns: 30, ApplicationName: "exam-store-test"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/0001_exam_booking.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	runStoreContract(t, NewPgRepository(pool))
}

func TestStoreContract_Mongo(t *testing.T) {
	uri := os.Getenv(envTestMongoURI)
	if uri == "" {
		t.Skipf("%s not set", envTestMongoURI)
	}
	ctx := context.Background()

	client, err := db.ConnectMongo(ctx, uri)
	require.NoError(t, err)

	dbName := "exam_store_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	repo := NewMongoRepository(client, dbName)
	require.NoError(t, repo.EnsureIndexes(ctx))

	runStoreContract(t, repo)
}

// runStoreContract checks the guarantees the allocator and the booking
// engine rely on. Each run uses its own room so a shared database is fine.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	room := "TEST-" + uuid.NewString()[:8]
	require.NoError(t, store.Ping(ctx))

	t.Run("duplicate slot key", func(t *testing.T) {
		s := ScheduleSlot{Date: testDate, TimeSlot: "07:00", RoomID: room, Capacity: 2, CurrentCount: 1, IsActive: true}
		created, err := store.CreateSlot(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 1, created.CurrentCount)

		_, err = store.CreateSlot(ctx, s)
		assert.ErrorIs(t, err, ErrSlotExists)

		found, err := store.FindSlot(ctx, testDate, "07:00", room)
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = store.FindSlot(ctx, testDate, "07:00", room+"-other")
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("increment stops at capacity", func(t *testing.T) {
		created, err := store.CreateSlot(ctx, ScheduleSlot{Date: testDate, TimeSlot: "07:15", RoomID: room, Capacity: 2, IsActive: true})
		require.NoError(t, err)

		for i := 1; i <= 2; i++ {
			s, err := store.TryIncrement(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, i, s.CurrentCount)
		}
		_, err = store.TryIncrement(ctx, created.ID)
		assert.ErrorIs(t, err, ErrSlotFull)
	})

	t.Run("concurrent increments never overbook", func(t *testing.T) {
		const capacity, workers = 5, 30
		created, err := store.CreateSlot(ctx, ScheduleSlot{Date: testDate, TimeSlot: "07:30", RoomID: room, Capacity: capacity, IsActive: true})
		require.NoError(t, err)

		var ok, full int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.TryIncrement(ctx, created.ID)
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case errors.Is(err, ErrSlotFull):
					atomic.AddInt32(&full, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(capacity), ok)
		assert.Equal(t, int32(workers-capacity), full)

		found, err := store.FindSlot(ctx, testDate, "07:30", room)
		require.NoError(t, err)
		assert.Equal(t, capacity, found.CurrentCount)
	})

	t.Run("exam status and queue number", func(t *testing.T) {
		slot, err := store.FindSlot(ctx, testDate, "07:00", room)
		require.NoError(t, err)

		rec, err := store.CreateExam(ctx, ExamRecord{
			FullName:    "Trần Thị Bình",
			Phone:       "0912345678",
			CitizenID:   "079190004321",
			DateOfBirth: "02/09/1985",
			Gender:      "Nữ",
			ExamType:    ExamTypeSelfPay,
			RoomID:      room,
			SlotID:      slot.ID,
			ExamDate:    testDate,
			ExamTime:    "07:00",
			Status:      StatusPending,
			CreatedBy:   "patient",
		})
		require.NoError(t, err)
		assert.Nil(t, rec.QueueNumber)

		_, err = store.UpdateExamStatus(ctx, rec.ID, StatusAccept, StatusReject)
		assert.ErrorIs(t, err, ErrStatusConflict)

		accepted, err := store.UpdateExamStatus(ctx, rec.ID, StatusPending, StatusAccept)
		require.NoError(t, err)
		assert.Equal(t, StatusAccept, accepted.Status)

		isUnsynced := func(before time.Time) bool {
			items, err := store.ListUnsynced(ctx, before, 500)
			require.NoError(t, err)
			for _, it := range items {
				if it.ID == rec.ID {
					return true
				}
			}
			return false
		}
		assert.False(t, isUnsynced(time.Now().Add(-time.Hour)), "recently updated records are held back")
		assert.True(t, isUnsynced(time.Now().Add(time.Hour)))

		require.NoError(t, store.SetQueueNumber(ctx, rec.ID, 12))
		assert.ErrorIs(t, store.SetQueueNumber(ctx, rec.ID, 13), ErrQueueNumberSet)

		got, err := store.GetExamByID(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.QueueNumber)
		assert.Equal(t, 12, *got.QueueNumber)
		assert.False(t, isUnsynced(time.Now().Add(time.Hour)))

		_, err = store.GetExamByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrExamNotFound)
		_, err = store.UpdateExamStatus(ctx, uuid.New(), StatusPending, StatusAccept)
		assert.ErrorIs(t, err, ErrExamNotFound)
	})
}
