package his

import (
	"time"

	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
)

const (
	tokenPath     = "/api/auth/token"
	admissionPath = "/api/outpatient/admissions"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   rawValue `json:"expires_in"`
}

type rawValue []byte

func (r *rawValue) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

type patientInfo struct {
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	CitizenID   string `json:"citizenId"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender"`
	Address     string `json:"address"`
}

type insuranceCard struct {
	CardNumber        string `json:"cardNumber"`
	OriginalNumber    string `json:"originalNumber,omitempty"`
	SocialInsuranceNo string `json:"socialInsuranceNo,omitempty"`
	FacilityCode      string `json:"registeredFacilityCode"`
	FacilityName      string `json:"registeredFacilityName,omitempty"`
	ValidFrom         string `json:"validFrom"`
	ValidTo           string `json:"validTo"`
	RegionCode        string `json:"regionCode,omitempty"`
	FiveYearsFrom     string `json:"fiveYearsFrom,omitempty"`
	VerifyResultCode  string `json:"verifyResultCode"`
}

// admissionPayload is the outpatient admission document the HIS expects.
type admissionPayload struct {
	ExternalID      string         `json:"externalId"`
	FacilityCode    string         `json:"facilityCode"`
	Patient         patientInfo    `json:"patient"`
	RoomID          string         `json:"roomId"`
	DepartmentID    string         `json:"departmentId,omitempty"`
	ExamDate        string         `json:"examDate"`
	ExamTime        string         `json:"examTime"`
	AdmittedAt      string         `json:"admittedAt"`
	Symptoms        string         `json:"symptoms,omitempty"`
	IsInsurance     bool           `json:"isInsurance"`
	InsuranceNumber string         `json:"insuranceNumber,omitempty"`
	InsuranceCard   *insuranceCard `json:"insuranceCard,omitempty"`
}

type admissionResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		QueueNumber   int    `json:"queueNumber"`
		AdmissionCode string `json:"admissionCode"`
	} `json:"data"`
}

// buildPayload maps a booking onto the HIS admission document. The profile is
// only merged for insurance bookings; a missing profile still sends the card
// number the patient gave.
func buildPayload(rec *exam.ExamRecord, profile *insurance.Profile, facilityCode string, now time.Time, loc *time.Location) admissionPayload {
	p := admissionPayload{
		ExternalID:   rec.ID.String(),
		FacilityCode: facilityCode,
		Patient: patientInfo{
			FullName:    rec.FullName,
			Phone:       rec.Phone,
			CitizenID:   rec.CitizenID,
			DateOfBirth: rec.DateOfBirth,
			Gender:      rec.Gender,
			Address:     rec.Address,
		},
		RoomID:       rec.RoomID,
		DepartmentID: rec.DepartmentID,
		ExamDate:     rec.ExamDate,
		ExamTime:     rec.ExamTime,
		AdmittedAt:   now.In(loc).Format(time.RFC3339),
		Symptoms:     rec.Symptoms,
	}

	if rec.ExamType != exam.ExamTypeInsurance {
		return p
	}

	p.IsInsurance = true
	p.InsuranceNumber = rec.InsuranceNumber
	if profile == nil {
		return p
	}

	p.InsuranceNumber = profile.CardNumber
	p.InsuranceCard = &insuranceCard{
		CardNumber:        profile.CardNumber,
		OriginalNumber:    profile.OriginalNumber,
		SocialInsuranceNo: profile.SocialInsuranceNo,
		FacilityCode:      profile.FacilityCode,
		FacilityName:      profile.FacilityName,
		ValidFrom:         profile.ValidFrom,
		ValidTo:           profile.ValidTo,
		RegionCode:        profile.RegionCode,
		FiveYearsFrom:     profile.FiveYearsFrom,
		VerifyResultCode:  profile.ResultCode,
	}
	if p.Patient.Address == "" {
		p.Patient.Address = profile.Address
	}
	if p.Patient.CitizenID == "" {
		p.Patient.CitizenID = profile.CitizenID
	}
	return p
}
