package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	BookingRatio   float64
	FrontDeskRatio float64 // share of bookings made by the front desk
	CheckInRatio   float64
	ReadRatio      float64
	Rooms          []string
	ExamDate       string
}

type DataPool struct {
	Times []string

	mu    sync.RWMutex
	exams []bookedExam
}

type bookedExam struct {
	ID     uuid.UUID
	QRCode string
}

func (dp *DataPool) AddExam(e bookedExam) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.exams = append(dp.exams, e)
}

func (dp *DataPool) RandomExam(rng *rand.Rand) (bookedExam, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.exams) == 0 {
		return bookedExam{}, false
	}
	return dp.exams[rng.Intn(len(dp.exams))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	if len(latencies) > 0 {
		p50Idx := len(latencies) * 50 / 100
		if p50Idx >= len(latencies) {
			p50Idx = len(latencies) - 1
		}
		p50 = latencies[p50Idx]

		p95Idx := len(latencies) * 95 / 100
		if p95Idx >= len(latencies) {
			p95Idx = len(latencies) - 1
		}
		p95 = latencies[p95Idx]
	}

	return avg, min, max, p50, p95
}

type Metrics struct {
	PatientBooking   OperationMetrics
	FrontDeskBooking OperationMetrics
	CheckIn          OperationMetrics
	ReadByID         OperationMetrics
	List             OperationMetrics
	Availability     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f front_desk=%.2f check_in=%.2f read=%.2f date=%s rooms=%v",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.FrontDeskRatio, cfg.CheckInRatio, cfg.ReadRatio, cfg.ExamDate, cfg.Rooms)

	sim := &Simulator{
		config: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := sim.loadDataPool(ctx)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	sim.pool = pool
	log.Printf("loaded: %d template times", len(pool.Times))

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		BookingRatio:   getFloat("SIM_BOOKING_RATIO", 0.5),
		FrontDeskRatio: getFloat("SIM_FRONT_DESK_RATIO", 0.3),
		CheckInRatio:   getFloat("SIM_CHECKIN_RATIO", 0.2),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.3),
		Rooms:          strings.Split(getEnv("SIM_ROOMS", "P101,P102,P103"), ","),
		ExamDate:       getEnv("SIM_EXAM_DATE", time.Now().AddDate(0, 0, 1).Format("2006-01-02")),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CheckInRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CheckInRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if len(cfg.Rooms) == 0 || cfg.Rooms[0] == "" {
		return fmt.Errorf("SIM_ROOMS must name at least one room")
	}
	return nil
}

// loadDataPool reads the bookable times from the availability endpoint.
func (s *Simulator) loadDataPool(ctx context.Context) (*DataPool, error) {
	url := fmt.Sprintf("%s/slots/availability?date=%s&room_id=%s", s.config.APIBaseURL, s.config.ExamDate, s.config.Rooms[0])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("availability: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	var slots []struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(env.Data, &slots); err != nil {
		return nil, fmt.Errorf("decode availability data: %w", err)
	}

	pool := &DataPool{}
	for _, sl := range slots {
		pool.Times = append(pool.Times, sl.Time)
	}
	if len(pool.Times) == 0 {
		return nil, fmt.Errorf("no templates configured; run cmd/seed first")
	}
	return pool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng, rng.Float64() < s.config.FrontDeskRatio)
			case r < s.config.BookingRatio+s.config.CheckInRatio:
				s.doCheckIn(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doList(ctx, rng)
				case 2:
					s.doAvailability(ctx, rng)
				}
			}
		}
	}
}

func fakeBooking(rng *rand.Rand, date, tm, room string) map[string]string {
	req := map[string]string{
		"fullName":    gofakeit.Name(),
		"phone":       gofakeit.Numerify("09########"),
		"citizenId":   gofakeit.Numerify("0##0########"),
		"dateOfBirth": gofakeit.DateRange(time.Now().AddDate(-80, 0, 0), time.Now().AddDate(-1, 0, 0)).Format("02/01/2006"),
		"gender":      gofakeit.RandomString([]string{"Nam", "Nữ"}),
		"address":     gofakeit.Street() + ", " + gofakeit.City(),
		"examType":    "self_pay",
		"roomId":      room,
		"examDate":    date,
		"examTime":    tm,
	}
	if rng.Intn(2) == 0 {
		req["examType"] = "insurance"
		req["insuranceNumber"] = "DN" + gofakeit.Numerify("#############")
	}
	return req
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, frontDesk bool) {
	tm := s.pool.Times[rng.Intn(len(s.pool.Times))]
	room := strings.TrimSpace(s.config.Rooms[rng.Intn(len(s.config.Rooms))])
	body, _ := json.Marshal(fakeBooking(rng, s.config.ExamDate, tm, room))

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/exams", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	metrics := &s.metrics.PatientBooking
	if frontDesk {
		req.Header.Set("X-Caller-Role", "front-desk")
		metrics = &s.metrics.FrontDeskBooking
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var env envelope
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &env) == nil {
				var booking struct {
					Record struct {
						ID uuid.UUID `json:"id"`
					} `json:"record"`
					QRCode string `json:"qrCode"`
				}
				if json.Unmarshal(env.Data, &booking) == nil && booking.Record.ID != uuid.Nil {
					s.pool.AddExam(bookedExam{ID: booking.Record.ID, QRCode: booking.QRCode})
				}
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	metrics.Record(latency, success, conflict)
}

func (s *Simulator) doCheckIn(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.RandomExam(rng)
	if !ok {
		return
	}
	body, _ := json.Marshal(map[string]string{"qrCode": e.QRCode})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/exams/check-in", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		// too early / late outcomes are business rejections
		conflict = resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusTooManyRequests
	}

	s.metrics.CheckIn.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	e, ok := s.pool.RandomExam(rng)
	if !ok {
		return
	}
	s.get(ctx, &s.metrics.ReadByID, fmt.Sprintf("%s/exams/%s", s.config.APIBaseURL, e.ID))
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	room := strings.TrimSpace(s.config.Rooms[rng.Intn(len(s.config.Rooms))])
	s.get(ctx, &s.metrics.List, fmt.Sprintf("%s/exams?date_from=%s&date_to=%s&room_id=%s&limit=20&offset=0",
		s.config.APIBaseURL, s.config.ExamDate, s.config.ExamDate, room))
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	room := strings.TrimSpace(s.config.Rooms[rng.Intn(len(s.config.Rooms))])
	s.get(ctx, &s.metrics.Availability, fmt.Sprintf("%s/slots/availability?date=%s&room_id=%s",
		s.config.APIBaseURL, s.config.ExamDate, room))
}

func (s *Simulator) get(ctx context.Context, om *OperationMetrics, url string) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	om.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Exam date: %s\n", s.config.ExamDate)
	fmt.Println()

	printOperationReport("Patient booking", &s.metrics.PatientBooking)
	printOperationReport("Front-desk booking", &s.metrics.FrontDeskBooking)
	printOperationReport("Check-in", &s.metrics.CheckIn)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List", &s.metrics.List)
	printOperationReport("Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	error := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if error > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", error, float64(error)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
