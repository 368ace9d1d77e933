package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/app"
	"github.com/hackgods/outpatient-exam-booking/internal/config"
	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/logger"
)

var symptoms = []string{"Sốt", "Ho kéo dài", "Đau đầu", "Đau bụng", "Khó thở", "Mệt mỏi", "Đau khớp"}

// Morning and afternoon outpatient sessions.
var sessions = [][2]string{
	{"07:00", "11:30"},
	{"13:00", "16:30"},
}

func main() {
	capacity := flag.Int("capacity", 4, "capacity per template")
	step := flag.Duration("step", 15*time.Minute, "distance between template times")
	demo := flag.Int("demo-bookings", 0, "number of fake pending bookings to create")
	rooms := flag.String("rooms", "P101,P102,P103", "rooms for demo bookings")
	deactivate := flag.String("deactivate", "", "comma separated template times to take out of service")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("seed starting")
	ctx := context.Background()

	store, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	n, err := seedTemplates(ctx, store, *capacity, *step)
	if err != nil {
		log.Fatal("seed templates", zap.Error(err))
	}
	log.Info("templates seeded", zap.Int("count", n))

	templates := exam.NewTemplateCache(store, time.Hour)
	defer templates.Close()
	active, err := templates.Active(ctx)
	if err != nil {
		log.Fatal("load templates", zap.Error(err))
	}
	log.Info("active templates", zap.Int("count", len(active)))

	if *deactivate != "" {
		n, err := deactivateTemplates(ctx, store, strings.Split(*deactivate, ","))
		if err != nil {
			log.Fatal("deactivate templates", zap.Error(err))
		}
		log.Info("templates deactivated", zap.Int("count", n))
		// demo bookings must not land on the times just taken out
		templates.Invalidate()
	}

	if *demo > 0 {
		if err := seedBookings(ctx, store, templates, cfg, log, *demo, strings.Split(*rooms, ",")); err != nil {
			log.Fatal("seed bookings", zap.Error(err))
		}
	}

	log.Info("seed complete")
}

func seedTemplates(ctx context.Context, store exam.TemplateRepository, capacity int, step time.Duration) (int, error) {
	count := 0
	for _, s := range sessions {
		start, _ := time.Parse(exam.TimeLayout, s[0])
		end, _ := time.Parse(exam.TimeLayout, s[1])
		for t := start; !t.After(end); t = t.Add(step) {
			_, err := store.CreateTemplate(ctx, exam.TimeSlotTemplate{
				Time:     t.Format(exam.TimeLayout),
				Capacity: capacity,
				IsActive: true,
			})
			if err != nil {
				return count, fmt.Errorf("template %s: %w", t.Format(exam.TimeLayout), err)
			}
			count++
		}
	}
	return count, nil
}

func deactivateTemplates(ctx context.Context, store exam.TemplateRepository, times []string) (int, error) {
	active, err := store.ListActiveTemplates(ctx)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]bool, len(times))
	for _, t := range times {
		wanted[strings.TrimSpace(t)] = true
	}

	count := 0
	for _, t := range active {
		if !wanted[t.Time] {
			continue
		}
		if err := store.DeactivateTemplate(ctx, t.ID); err != nil {
			return count, fmt.Errorf("template %s: %w", t.Time, err)
		}
		count++
	}
	return count, nil
}

// seedBookings books fake patients through the allocator so slot counters
// stay consistent. No HIS push happens: every booking is a patient booking.
func seedBookings(ctx context.Context, store exam.Store, templates *exam.TemplateCache, cfg config.Config, log *zap.Logger, count int, rooms []string) error {
	allocator := exam.NewAllocator(store, templates, log)

	active, err := templates.Active(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return fmt.Errorf("no active templates")
	}

	tomorrow := time.Now().In(cfg.Location()).AddDate(0, 0, 1).Format(exam.DateLayout)
	created, full := 0, 0

	for i := 0; i < count; i++ {
		room := strings.TrimSpace(rooms[gofakeit.Number(0, len(rooms)-1)])
		tmpl := active[gofakeit.Number(0, len(active)-1)]

		slot, assigned, err := allocator.Reserve(ctx, tomorrow, tmpl.Time, room, exam.RolePatient)
		if err != nil {
			full++
			continue
		}

		examType := exam.ExamTypeSelfPay
		insuranceNumber := ""
		if gofakeit.Bool() {
			examType = exam.ExamTypeInsurance
			insuranceNumber = strings.ToUpper(gofakeit.Letter()+gofakeit.Letter()) + gofakeit.Numerify("#############")
		}

		_, err = store.CreateExam(ctx, exam.ExamRecord{
			FullName:        gofakeit.Name(),
			Phone:           gofakeit.Numerify("09########"),
			CitizenID:       gofakeit.Numerify("0##0########"),
			DateOfBirth:     gofakeit.DateRange(time.Now().AddDate(-80, 0, 0), time.Now().AddDate(-1, 0, 0)).Format("02/01/2006"),
			Gender:          gofakeit.RandomString([]string{"Nam", "Nữ"}),
			Address:         gofakeit.Street() + ", " + gofakeit.City(),
			InsuranceNumber: insuranceNumber,
			ExamType:        examType,
			RoomID:          room,
			SlotID:          slot.ID,
			ExamDate:        tomorrow,
			ExamTime:        assigned,
			Status:          exam.StatusPending,
			Symptoms:        gofakeit.RandomString(symptoms),
			CreatedBy:       "seed",
		})
		if err != nil {
			return err
		}
		created++
	}

	log.Info("demo bookings seeded", zap.String("date", tomorrow), zap.Int("created", created), zap.Int("slot_full", full))
	return nil
}
