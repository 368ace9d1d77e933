package his

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	"github.com/hackgods/outpatient-exam-booking/internal/registry"
)

type fakeHIS struct {
	tokenCalls int32
	pushCalls  int32
	// admit writes the admission response; call is 1-based.
	admit    func(w http.ResponseWriter, call int32)
	received atomic.Pointer[admissionPayload]
}

func (f *fakeHIS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "his-user", req.Username)
		_, _ = io.WriteString(w, `{"access_token":"his-token","token_type":"Bearer","expires_in":"1800"}`)
	})
	mux.HandleFunc(admissionPath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.pushCalls, 1)
		assert.Equal(t, "Bearer his-token", r.Header.Get("Authorization"))

		var p admissionPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		f.received.Store(&p)
		f.admit(w, n)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeHIS, cache insurance.Cache) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:           srv.URL,
		Username:          "his-user",
		Password:          "secret",
		FacilityCode:      "79071",
		Timeout:           2 * time.Second,
		TokenSafetyMargin: time.Minute,
	}, cache, zap.NewNop())
}

func admitOK(queue int) func(http.ResponseWriter, int32) {
	return func(w http.ResponseWriter, _ int32) {
		_, _ = io.WriteString(w, `{"status":200,"message":"OK","data":{"queueNumber":`+itoa(queue)+`,"admissionCode":"KB001"}}`)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func insuranceRecord(card string) *exam.ExamRecord {
	return &exam.ExamRecord{
		ID:              uuid.New(),
		FullName:        "Lê Văn Cường",
		Phone:           "0912345678",
		CitizenID:       "001090012345",
		DateOfBirth:     "01/01/1990",
		Gender:          "Nam",
		InsuranceNumber: card,
		ExamType:        exam.ExamTypeInsurance,
		RoomID:          "P101",
		DepartmentID:    "K01",
		ExamDate:        "2026-10-20",
		ExamTime:        "08:00",
		Status:          exam.StatusAccept,
	}
}

func TestPush_InsuranceBookingMergesProfileAndClearsCache(t *testing.T) {
	cache := insurance.NewMemoryCache()
	ctx := context.Background()
	insurance.Store(ctx, cache, insurance.Profile{
		CardNumber:   "DN4797933384379",
		FacilityCode: "79024",
		ValidFrom:    "01/01/2026",
		ValidTo:      "31/12/2026",
		ResultCode:   "000",
	}, time.Hour, zap.NewNop())

	f := &fakeHIS{admit: admitOK(17)}
	c := newTestClient(t, f, cache)

	res, err := c.Push(ctx, insuranceRecord("DN4797933384379"))
	require.NoError(t, err)
	assert.Equal(t, 17, res.QueueNumber)
	assert.Equal(t, "KB001", res.AdmissionCode)

	p := f.received.Load()
	require.NotNil(t, p)
	assert.True(t, p.IsInsurance)
	assert.Equal(t, "79071", p.FacilityCode)
	require.NotNil(t, p.InsuranceCard)
	assert.Equal(t, "79024", p.InsuranceCard.FacilityCode)
	assert.Equal(t, "31/12/2026", p.InsuranceCard.ValidTo)

	_, ok, _ := cache.Get(ctx, insurance.CardKey("DN4797933384379"))
	assert.False(t, ok, "consumed verification must be dropped")
}

func TestPush_SelfPayHasNoInsuranceBlock(t *testing.T) {
	f := &fakeHIS{admit: admitOK(3)}
	c := newTestClient(t, f, insurance.NewMemoryCache())

	rec := insuranceRecord("")
	rec.ExamType = exam.ExamTypeSelfPay

	_, err := c.Push(context.Background(), rec)
	require.NoError(t, err)
	p := f.received.Load()
	assert.False(t, p.IsInsurance)
	assert.Nil(t, p.InsuranceCard)
	assert.Equal(t, rec.ID.String(), p.ExternalID)
}

func TestPush_FailuresCarryUpstreamPayload(t *testing.T) {
	cases := []struct {
		name    string
		admit   func(http.ResponseWriter, int32)
		message string
	}{
		{"embedded status", func(w http.ResponseWriter, _ int32) {
			_, _ = io.WriteString(w, `{"status":409,"message":"Bệnh nhân đã có lượt khám trong ngày"}`)
		}, "Bệnh nhân đã có lượt khám trong ngày"},
		{"empty body", func(w http.ResponseWriter, _ int32) {}, "empty response from HIS"},
		{"http error", func(w http.ResponseWriter, _ int32) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":400,"message":"Thiếu mã phòng"}`)
		}, "Thiếu mã phòng"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cache := insurance.NewMemoryCache()
			ctx := context.Background()
			insurance.Store(ctx, cache, insurance.Profile{CardNumber: "DN4797933384379"}, time.Hour, zap.NewNop())

			c := newTestClient(t, &fakeHIS{admit: tc.admit}, cache)
			_, err := c.Push(ctx, insuranceRecord("DN4797933384379"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)

			var upstream *UpstreamError
			require.True(t, errors.As(err, &upstream))
			assert.Equal(t, tc.message, upstream.Message)

			_, ok, _ := cache.Get(ctx, insurance.CardKey("DN4797933384379"))
			assert.False(t, ok, "cache is cleared on failure too")
		})
	}
}

func TestPush_TokenRejectedRefreshesOnce(t *testing.T) {
	f := &fakeHIS{}
	f.admit = func(w http.ResponseWriter, call int32) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		admitOK(5)(w, call)
	}
	c := newTestClient(t, f, insurance.NewMemoryCache())

	res, err := c.Push(context.Background(), insuranceRecord("DN4797933384379"))
	require.NoError(t, err)
	assert.Equal(t, 5, res.QueueNumber)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokenCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.pushCalls))
}

func TestPush_UnreachableHIS(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, insurance.NewMemoryCache(), zap.NewNop())
	_, err := c.Push(context.Background(), insuranceRecord("DN4797933384379"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

// Card X is verified, the registry answers with its replacement Y, and a
// booking that still cites X is pushed with Y's profile.
func TestPush_UsesProfileOfRenumberedCard(t *testing.T) {
	reg := http.NewServeMux()
	reg.HandleFunc("/api/token/take", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"maKetQua":"200","APIKey":{"access_token":"a","id_token":"i","expires_in":3600}}`)
	})
	reg.HandleFunc("/api/egw/KQNhanLichSuKCB2019", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CardNumber string `json:"maThe"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.CardNumber == "XX0000000000001" {
			_, _ = io.WriteString(w, `{"maKetQua":"003","maTheMoi":"YY0000000000002"}`)
			return
		}
		_, _ = io.WriteString(w, `{"maKetQua":"000","maThe":"YY0000000000002","hoTen":"Lê Văn Cường","maDKBD":"01001","gtTheDen":"31/12/2027"}`)
	})
	regSrv := httptest.NewServer(reg)
	t.Cleanup(regSrv.Close)

	cache := insurance.NewMemoryCache()
	verifier := registry.NewClient(registry.Config{
		BaseURL:        regSrv.URL,
		Timeout:        time.Second,
		RetryBackoff:   time.Millisecond,
		NetworkRetries: 3,
		CacheTTL:       time.Hour,
	}, cache, zap.NewNop())

	ctx := context.Background()
	v, err := verifier.VerifyCard(ctx, insurance.CardQuery{CardNumber: "XX0000000000001", FullName: "Lê Văn Cường", DateOfBirth: "01/01/1990"})
	require.NoError(t, err)
	require.True(t, v.Success)

	for _, cited := range []string{"XX0000000000001", "YY0000000000002"} {
		t.Run(cited, func(t *testing.T) {
			insurance.Store(ctx, cache, *v.Profile, time.Hour, zap.NewNop())

			f := &fakeHIS{admit: admitOK(9)}
			c := newTestClient(t, f, cache)
			_, err := c.Push(ctx, insuranceRecord(cited))
			require.NoError(t, err)

			p := f.received.Load()
			require.NotNil(t, p.InsuranceCard)
			assert.Equal(t, "YY0000000000002", p.InsuranceCard.CardNumber)
			assert.Equal(t, "XX0000000000001", p.InsuranceCard.OriginalNumber)
			assert.Equal(t, "01001", p.InsuranceCard.FacilityCode)

			for _, key := range []string{insurance.CardKey("XX0000000000001"), insurance.CardKey("YY0000000000002")} {
				_, ok, _ := cache.Get(ctx, key)
				assert.False(t, ok, key)
			}
		})
	}
}
