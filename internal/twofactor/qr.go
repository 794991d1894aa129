package twofactor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/pquerna/otp"
)

type RenderOptions struct {
	Width  int
	Height int
}

// ProvisioningRenderer turns an otpauth URL into something an authenticator
// app can scan, encoded as a data URI.
type ProvisioningRenderer interface {
	Render(otpauthURL string, opts RenderOptions) (string, error)
}

// ImageRenderer renders QR codes as inline PNG data URIs.
type ImageRenderer struct{}

func (ImageRenderer) Render(otpauthURL string, opts RenderOptions) (string, error) {
	key, err := otp.NewKeyFromURL(otpauthURL)
	if err != nil {
		return "", fmt.Errorf("invalid provisioning url: %w", err)
	}
	img, err := key.Image(opts.Width, opts.Height)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
