package controller

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// renderQR rasterizes the raw login token into a scannable PNG. Only the
// image is ever persisted or served; the raw secret stays in memory for
// the duration of this call.
func renderQR(token string) ([]byte, error) {
	png, err := qrcode.Encode(token, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
