package exam

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

var ErrInvalidQR = errors.New("invalid QR code")

const qrImageSize = 256

// EncodeQR reversibly encodes the booking id. It is not signed: any well
// formed id decodes to whatever booking has it.
func EncodeQR(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id.String()))
}

// DecodeQR accepts the encoded form and, for hand-typed codes, a bare id.
func DecodeQR(payload string) (uuid.UUID, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return uuid.Nil, ErrInvalidQR
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err == nil {
		if id, err := uuid.Parse(string(raw)); err == nil {
			return id, nil
		}
	}
	if id, err := uuid.Parse(payload); err == nil {
		return id, nil
	}
	return uuid.Nil, ErrInvalidQR
}

// RenderQR draws the payload as a PNG data URL.
func RenderQR(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
