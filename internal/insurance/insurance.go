// Package insurance holds the registry-independent shape of a verified
// health insurance card and the cache shared by the registry and HIS clients.
package insurance

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/cache"
)

// Profile is the normalized registry answer for a valid card.
type Profile struct {
	CardNumber        string `json:"cardNumber"`
	OriginalNumber    string `json:"originalNumber,omitempty"` // number the caller queried, when renumbered
	SocialInsuranceNo string `json:"socialInsuranceNo,omitempty"`
	CitizenID         string `json:"citizenId,omitempty"`
	FullName          string `json:"fullName"`
	DateOfBirth       string `json:"dateOfBirth"`
	Gender            string `json:"gender,omitempty"`
	Address           string `json:"address,omitempty"`
	FacilityCode      string `json:"facilityCode"` // covering facility (maDKBD)
	FacilityName      string `json:"facilityName,omitempty"`
	ValidFrom         string `json:"validFrom"`
	ValidTo           string `json:"validTo"`
	RegionCode        string `json:"regionCode,omitempty"`
	FiveYearsFrom     string `json:"fiveYearsFrom,omitempty"`
	ResultCode        string `json:"resultCode"`
}

// CardQuery is what the caller scanned or typed at the kiosk.
type CardQuery struct {
	CardNumber  string `json:"cardNumber" validate:"required,min=10,max=15"`
	FullName    string `json:"fullName" validate:"required"`
	DateOfBirth string `json:"dateOfBirth" validate:"required"`
	CitizenID   string `json:"citizenId,omitempty"`
}

type Verification struct {
	Success    bool     `json:"success"`
	ResultCode string   `json:"resultCode"`
	Message    string   `json:"message"`
	Profile    *Profile `json:"profile,omitempty"`
}

// Cache stores profiles until a HIS push consumes them.
type Cache = cache.Cache[Profile]

// NewMemoryCache is the single-process verification cache. Close stops its
// expiry sweeper.
func NewMemoryCache() *cache.Memory[Profile] {
	return cache.NewMemory[Profile]()
}

func CardKey(cardNumber string) string {
	return "bhyt:card:" + strings.ToUpper(strings.TrimSpace(cardNumber))
}

func CitizenKey(citizenID string) string {
	return "bhyt:citizen:" + strings.TrimSpace(citizenID)
}

// IsCitizenID reports whether a scanned number is a 12 digit citizen
// identity number rather than a card number.
func IsCitizenID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Keys lists every cache key under which a profile should be reachable.
func (p Profile) Keys() []string {
	var keys []string
	seen := map[string]bool{}
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, n := range []string{p.CardNumber, p.OriginalNumber} {
		if n == "" {
			continue
		}
		if IsCitizenID(n) {
			add(CitizenKey(n))
		} else {
			add(CardKey(n))
		}
	}
	if p.CitizenID != "" {
		add(CitizenKey(p.CitizenID))
	}
	return keys
}

// Store puts the profile under all of its keys. Cache failures are logged and
// swallowed.
func Store(ctx context.Context, c Cache, p Profile, ttl time.Duration, log *zap.Logger) {
	for _, k := range p.Keys() {
		if err := c.Put(ctx, k, p, ttl); err != nil {
			log.Warn("insurance cache put failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// Lookup finds a cached profile by insurance number, falling back to the
// citizen id.
func Lookup(ctx context.Context, c Cache, insuranceNumber, citizenID string, log *zap.Logger) (*Profile, bool) {
	var keys []string
	if insuranceNumber != "" {
		keys = append(keys, CardKey(insuranceNumber))
		if IsCitizenID(insuranceNumber) {
			keys = append(keys, CitizenKey(insuranceNumber))
		}
	}
	if citizenID != "" {
		keys = append(keys, CitizenKey(citizenID))
	}

	for _, k := range keys {
		p, ok, err := c.Get(ctx, k)
		if err != nil {
			log.Warn("insurance cache get failed", zap.String("key", k), zap.Error(err))
			continue
		}
		if ok {
			return &p, true
		}
	}
	return nil, false
}

// Forget drops every entry a booking could have used, whichever key the
// profile was reached by.
func Forget(ctx context.Context, c Cache, insuranceNumber, citizenID string, log *zap.Logger) {
	keys := []string{}
	if p, ok := Lookup(ctx, c, insuranceNumber, citizenID, log); ok {
		keys = append(keys, p.Keys()...)
	}
	if insuranceNumber != "" {
		keys = append(keys, CardKey(insuranceNumber))
	}
	if citizenID != "" {
		keys = append(keys, CitizenKey(citizenID))
	}
	if err := c.Invalidate(ctx, keys...); err != nil {
		log.Warn("insurance cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
