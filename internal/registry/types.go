package registry

import (
	"errors"
	"strings"
)

// Result codes returned by the registry in maKetQua.
const (
	CodeValid            = "000"
	CodeValidMilitary    = "001"
	CodeValidPolice      = "002"
	CodeRenumbered       = "003"
	CodeValidRenumbered  = "004"
	CodeTokenRejected    = "401"
	tokenResponseSuccess = "200"
)

var successCodes = map[string]bool{
	CodeValid:           true,
	CodeValidMilitary:   true,
	CodeValidPolice:     true,
	CodeValidRenumbered: true,
}

const (
	MsgRegistrySlow   = "Cổng giám định BHYT phản hồi chậm, vui lòng quét lại thẻ"
	MsgCardValid      = "Thẻ BHYT còn giá trị sử dụng"
	MsgTokenRejected  = "Không xác thực được với cổng giám định BHYT"
	msgUnknownFailure = "Thẻ BHYT không hợp lệ"
)

var (
	ErrRegistryUnavailable = errors.New("insurance registry unavailable")
	errTokenRejected       = errors.New("registry rejected access token")
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	ResultCode string `json:"maKetQua"`
	APIKey     struct {
		AccessToken string   `json:"access_token"`
		IDToken     string   `json:"id_token"`
		TokenType   string   `json:"token_type"`
		Username    string   `json:"username"`
		ExpiresIn   rawValue `json:"expires_in"`
	} `json:"APIKey"`
}

// rawValue keeps a JSON scalar verbatim; the registry sends expires_in both as
// numbers and as strings depending on the deployment.
type rawValue []byte

func (r *rawValue) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

type cardRequest struct {
	CardNumber  string `json:"maThe"`
	FullName    string `json:"hoTen"`
	DateOfBirth string `json:"ngaySinh"`
}

type cardResponse struct {
	ResultCode        string `json:"maKetQua"`
	Note              string `json:"ghiChu"`
	CardNumber        string `json:"maThe"`
	FullName          string `json:"hoTen"`
	DateOfBirth       string `json:"ngaySinh"`
	Gender            string `json:"gioiTinh"`
	Address           string `json:"diaChi"`
	FacilityCode      string `json:"maDKBD"`
	FacilityName      string `json:"tenDKBD"`
	ValidFrom         string `json:"gtTheTu"`
	ValidTo           string `json:"gtTheDen"`
	RegionCode        string `json:"maKV"`
	FiveYearsFrom     string `json:"ngayDu5Nam"`
	SocialInsuranceNo string `json:"maSoBHXH"`
	NewCardNumber     string `json:"maTheMoi"`
	NewFacilityCode   string `json:"maDKBDMoi"`
	NewFacilityName   string `json:"tenDKBDMoi"`
	NewValidFrom      string `json:"gtTheTuMoi"`
	NewValidTo        string `json:"gtTheDenMoi"`
}

func (r cardResponse) message() string {
	if msg := strings.TrimSpace(r.Note); msg != "" {
		return msg
	}
	return msgUnknownFailure + " (mã kết quả " + r.ResultCode + ")"
}
