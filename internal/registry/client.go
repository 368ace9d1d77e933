// Package registry talks to the national health insurance registry to
// validate insurance cards.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	"github.com/hackgods/outpatient-exam-booking/internal/token"
)

const (
	tokenPath = "/api/token/take"
	cardPath  = "/api/egw/KQNhanLichSuKCB2019"
)

type Config struct {
	BaseURL           string
	Username          string
	Password          string
	Timeout           time.Duration // per call
	RetryBackoff      time.Duration
	NetworkRetries    int // retries after the first attempt
	CacheTTL          time.Duration
	TokenSafetyMargin time.Duration
	Location          *time.Location
}

type Client struct {
	cfg    Config
	http   *http.Client
	tokens *token.Cache
	cache  insurance.Cache
	log    *zap.Logger
}

func NewClient(cfg Config, cache insurance.Cache, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.NetworkRetries < 0 {
		cfg.NetworkRetries = 0
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
		log:   log.Named("registry"),
	}
	c.tokens = token.NewCache("registry", c.fetchToken, cfg.TokenSafetyMargin, c.log)
	return c
}

// VerifyCard validates a card against the registry. Business rejections come
// back as an unsuccessful Verification with a nil error; an error is returned
// only when the registry could not be reached within the retry budget.
func (c *Client) VerifyCard(ctx context.Context, q insurance.CardQuery) (*insurance.Verification, error) {
	q.CardNumber = strings.ToUpper(strings.TrimSpace(q.CardNumber))
	q.FullName = strings.TrimSpace(q.FullName)

	resp, err := c.checkCard(ctx, q)
	if err != nil {
		return c.unavailable(q, err)
	}

	original := ""
	if resp.ResultCode == CodeRenumbered && resp.NewCardNumber != "" {
		original = q.CardNumber
		c.log.Info("card renumbered, querying new number",
			zap.String("card", original),
			zap.String("new_card", resp.NewCardNumber),
		)

		requery := q
		requery.CardNumber = strings.ToUpper(strings.TrimSpace(resp.NewCardNumber))
		resp, err = c.checkCard(ctx, requery)
		if err != nil {
			return c.unavailable(requery, err)
		}
		q = requery
	}

	if !successCodes[resp.ResultCode] {
		c.log.Info("card rejected by registry",
			zap.String("card", q.CardNumber),
			zap.String("result_code", resp.ResultCode),
		)
		return &insurance.Verification{
			Success:    false,
			ResultCode: resp.ResultCode,
			Message:    resp.message(),
		}, nil
	}

	profile := normalize(resp, q, original)
	insurance.Store(ctx, c.cache, profile, c.cfg.CacheTTL, c.log)

	msg := strings.TrimSpace(resp.Note)
	if msg == "" {
		msg = MsgCardValid
	}
	return &insurance.Verification{
		Success:    true,
		ResultCode: resp.ResultCode,
		Message:    msg,
		Profile:    &profile,
	}, nil
}

func (c *Client) unavailable(q insurance.CardQuery, err error) (*insurance.Verification, error) {
	c.log.Warn("registry unreachable", zap.String("card", q.CardNumber), zap.Error(err))
	return &insurance.Verification{
		Success: false,
		Message: MsgRegistrySlow,
	}, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
}

// checkCard sends one card query. A token rejection invalidates the cached
// token and retries exactly once; a second rejection is returned as is.
func (c *Client) checkCard(ctx context.Context, q insurance.CardQuery) (*cardResponse, error) {
	var resp *cardResponse
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.tokens.Get(ctx)
		if err != nil {
			return nil, err
		}

		resp, err = c.postCard(ctx, tok, q)
		if errors.Is(err, errTokenRejected) {
			c.tokens.Invalidate()
			resp = &cardResponse{ResultCode: CodeTokenRejected, Note: MsgTokenRejected}
			c.log.Info("registry token rejected", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		if resp.ResultCode == CodeTokenRejected {
			c.tokens.Invalidate()
			c.log.Info("registry token rejected", zap.Int("attempt", attempt+1))
			continue
		}
		return resp, nil
	}
	return resp, nil
}

func (c *Client) postCard(ctx context.Context, tok token.Token, q insurance.CardQuery) (*cardResponse, error) {
	body, err := json.Marshal(cardRequest{
		CardNumber:  q.CardNumber,
		FullName:    q.FullName,
		DateOfBirth: q.DateOfBirth,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal card request: %w", err)
	}

	params := url.Values{}
	params.Set("id_token", tok.IDToken)
	params.Set("username", c.cfg.Username)
	endpoint := c.cfg.BaseURL + cardPath + "?" + params.Encode()

	var out cardResponse
	err = c.withNetworkRetry(ctx, "card", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

		status, raw, err := c.do(req)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return errTokenRejected
		}
		if status != http.StatusOK {
			return permanent(fmt.Errorf("registry card endpoint returned %d: %s", status, truncate(raw)))
		}
		out = cardResponse{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return permanent(fmt.Errorf("decode card response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) fetchToken(ctx context.Context) (token.Token, error) {
	body, err := json.Marshal(tokenRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return token.Token{}, err
	}

	var out tokenResponse
	err = c.withNetworkRetry(ctx, "token", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		status, raw, err := c.do(req)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return permanent(fmt.Errorf("registry token endpoint returned %d: %s", status, truncate(raw)))
		}
		out = tokenResponse{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return permanent(fmt.Errorf("decode token response: %w", err))
		}
		return nil
	})
	if err != nil {
		return token.Token{}, err
	}
	if out.ResultCode != tokenResponseSuccess {
		return token.Token{}, fmt.Errorf("registry login failed with code %s", out.ResultCode)
	}

	expiresAt, err := token.ParseExpiry([]byte(out.APIKey.ExpiresIn), time.Now(), c.cfg.Location)
	if err != nil {
		return token.Token{}, fmt.Errorf("registry token expiry: %w", err)
	}

	return token.Token{
		AccessToken: out.APIKey.AccessToken,
		IDToken:     out.APIKey.IDToken,
		ExpiresAt:   expiresAt,
	}, nil
}

// do returns 5xx responses as retryable network errors.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read registry response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	return resp.StatusCode, raw, nil
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err: err} }

// withNetworkRetry retries transport failures, timeouts and 5xx responses
// with a fixed backoff. Token rejections and permanent errors return at once.
func (c *Client) withNetworkRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.NetworkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm permanentError
		if errors.Is(err, errTokenRejected) || errors.As(err, &perm) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		c.log.Warn("registry call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

func normalize(r *cardResponse, q insurance.CardQuery, original string) insurance.Profile {
	cardNumber := strings.ToUpper(strings.TrimSpace(r.CardNumber))
	if cardNumber == "" {
		cardNumber = q.CardNumber
	}
	fullName := r.FullName
	if fullName == "" {
		fullName = q.FullName
	}
	dob := r.DateOfBirth
	if dob == "" {
		dob = q.DateOfBirth
	}

	citizenID := q.CitizenID
	if citizenID == "" && insurance.IsCitizenID(q.CardNumber) {
		citizenID = q.CardNumber
	}

	return insurance.Profile{
		CardNumber:        cardNumber,
		OriginalNumber:    original,
		SocialInsuranceNo: r.SocialInsuranceNo,
		CitizenID:         citizenID,
		FullName:          fullName,
		DateOfBirth:       dob,
		Gender:            r.Gender,
		Address:           r.Address,
		FacilityCode:      r.FacilityCode,
		FacilityName:      r.FacilityName,
		ValidFrom:         r.ValidFrom,
		ValidTo:           r.ValidTo,
		RegionCode:        r.RegionCode,
		FiveYearsFrom:     r.FiveYearsFrom,
		ResultCode:        r.ResultCode,
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
