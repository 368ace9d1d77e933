// Package his pushes confirmed bookings to the hospital information system,
// which assigns the queue number.
package his

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	"github.com/hackgods/outpatient-exam-booking/internal/token"
)

var (
	ErrUnavailable = errors.New("HIS unavailable")
	ErrRejected    = errors.New("HIS rejected admission")
)

// UpstreamError carries what the HIS said when it refused an admission.
// Message is safe to show to staff; Body is the raw response.
type UpstreamError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HIS status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HIS status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrRejected }

type Config struct {
	BaseURL           string
	Username          string
	Password          string
	FacilityCode      string
	Timeout           time.Duration
	TokenSafetyMargin time.Duration
	Location          *time.Location
}

type Client struct {
	cfg    Config
	http   *http.Client
	tokens *token.Cache
	cache  insurance.Cache
	log    *zap.Logger
	now    func() time.Time
}

func NewClient(cfg Config, cache insurance.Cache, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		log:   log.Named("his"),
		now:   time.Now,
	}
	c.tokens = token.NewCache("his", c.fetchToken, cfg.TokenSafetyMargin, c.log)
	return c
}

// Push registers the booking as an outpatient admission and returns the queue
// number the HIS assigned. The verification cache entries for the booking
// are dropped whatever the outcome.
func (c *Client) Push(ctx context.Context, rec *exam.ExamRecord) (*exam.SyncResult, error) {
	defer insurance.Forget(context.WithoutCancel(ctx), c.cache, rec.InsuranceNumber, rec.CitizenID, c.log)

	var profile *insurance.Profile
	if rec.ExamType == exam.ExamTypeInsurance {
		if p, ok := insurance.Lookup(ctx, c.cache, rec.InsuranceNumber, rec.CitizenID, c.log); ok {
			profile = p
		} else {
			c.log.Info("no cached verification for insurance booking",
				zap.String("exam_id", rec.ID.String()),
				zap.String("insurance_number", rec.InsuranceNumber),
			)
		}
	}

	body, err := json.Marshal(buildPayload(rec, profile, c.cfg.FacilityCode, c.now(), c.cfg.Location))
	if err != nil {
		return nil, fmt.Errorf("marshal admission: %w", err)
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.tokens.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: token: %v", ErrUnavailable, err)
		}

		status, raw, err := c.post(ctx, tok, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			c.log.Info("HIS token rejected, refreshing", zap.String("exam_id", rec.ID.String()))
			continue
		}

		res, err := parseAdmission(status, raw)
		if err != nil {
			c.log.Warn("HIS admission failed",
				zap.String("exam_id", rec.ID.String()),
				zap.Int("http_status", status),
				zap.Error(err),
			)
			return nil, err
		}

		c.log.Info("HIS admission registered",
			zap.String("exam_id", rec.ID.String()),
			zap.Int("queue_number", res.QueueNumber),
		)
		return res, nil
	}
}

func (c *Client) post(ctx context.Context, tok token.Token, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+admissionPath, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read HIS response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// parseAdmission accepts only an HTTP 200 whose embedded status is also 200
// and which carries a queue number.
func parseAdmission(status int, raw []byte) (*exam.SyncResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &UpstreamError{StatusCode: status, Message: "empty response from HIS"}
	}

	var out admissionResponse
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, &UpstreamError{StatusCode: status, Body: string(trimmed)}
	}

	if status != http.StatusOK || out.Status != http.StatusOK {
		code := out.Status
		if status != http.StatusOK {
			code = status
		}
		return nil, &UpstreamError{StatusCode: code, Message: out.Message, Body: string(trimmed)}
	}
	if out.Data == nil || out.Data.QueueNumber <= 0 {
		return nil, &UpstreamError{StatusCode: out.Status, Message: "HIS response has no queue number", Body: string(trimmed)}
	}

	return &exam.SyncResult{
		QueueNumber:   out.Data.QueueNumber,
		AdmissionCode: out.Data.AdmissionCode,
	}, nil
}

func (c *Client) fetchToken(ctx context.Context) (token.Token, error) {
	body, err := json.Marshal(tokenRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return token.Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return token.Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return token.Token{}, fmt.Errorf("HIS token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return token.Token{}, fmt.Errorf("read HIS token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return token.Token{}, fmt.Errorf("HIS token endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return token.Token{}, fmt.Errorf("decode HIS token response: %w", err)
	}

	expiresAt, err := token.ParseExpiry([]byte(out.ExpiresIn), c.now(), c.cfg.Location)
	if err != nil {
		return token.Token{}, fmt.Errorf("HIS token expiry: %w", err)
	}
	return token.Token{AccessToken: out.AccessToken, ExpiresAt: expiresAt}, nil
}
