package api

// Envelope is the body of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CheckInRequest struct {
	QRCode string `json:"qrCode"`
}

type VerifyCardRequest struct {
	CardNumber  string `json:"cardNumber"`
	FullName    string `json:"fullName"`
	DateOfBirth string `json:"dateOfBirth"`
	CitizenID   string `json:"citizenId"`
}

type ValidationErrorResponse struct {
	Fields map[string]string `json:"fields"`
}
