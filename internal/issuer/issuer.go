// Package issuer mints signed locator payloads and renders them as QR codes.
package issuer

import (
	"errors"
	"fmt"
	"os"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"docqr/internal/domain"
	"docqr/internal/locator"
	"docqr/internal/signature"
)

type Issuer struct {
	BaseURL string
	Secret  []byte
	Now     func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a locator for the given page at the current time and returns
// it with its payload URL. The result is validated with locator.Parse so an
// unscannable payload is never produced.
func (i Issuer) Issue(docUID, revision string, page int) (domain.Locator, string, error) {
	if len(i.Secret) == 0 {
		return domain.Locator{}, "", errors.New("issuer secret is not configured")
	}
	if i.BaseURL == "" {
		return domain.Locator{}, "", errors.New("issuer base url is not configured")
	}
	l := domain.Locator{
		DocUID:       docUID,
		Revision:     revision,
		Page:         page,
		TimestampSec: i.now().Unix(),
	}
	l.SignatureHex = signature.Sign(l, i.Secret)
	payload := locator.Format(i.BaseURL, l)
	if _, err := locator.Parse(payload); err != nil {
		return domain.Locator{}, "", fmt.Errorf("issued payload does not parse: %w", err)
	}
	return l, payload, nil
}

// RenderPNG encodes payload as a QR code image of size x size pixels.
func RenderPNG(payload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// WritePNG renders payload into path.
func WritePNG(payload, path string, size int) error {
	png, err := RenderPNG(payload, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, png, 0o644)
}
