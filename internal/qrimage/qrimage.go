// Package qrimage renders voucher tokens as PNG QR codes.
package qrimage

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	DefaultSize = 256
	MinSize     = 64
	MaxSize     = 1024
)

// ErrEmptyContent is returned when there is nothing to encode.
var ErrEmptyContent = errors.New("qrimage: empty content")

// Encoder renders QR codes at a fixed recovery level.
type Encoder struct {
	Level qrcode.RecoveryLevel
}

// NewEncoder returns an encoder using medium error correction, which keeps
// 43-character tokens scannable from phone screens.
func NewEncoder() Encoder {
	return Encoder{Level: qrcode.Medium}
}

// PNG encodes content as a size x size PNG. Out of range sizes are clamped.
func (e Encoder) PNG(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	img, err := qrcode.Encode(content, e.Level, ClampSize(size))
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return img, nil
}

// DataURL wraps PNG bytes for inline embedding.
func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// ClampSize maps size onto [MinSize, MaxSize]; zero or negative means DefaultSize.
func ClampSize(size int) int {
	switch {
	case size <= 0:
		return DefaultSize
	case size < MinSize:
		return MinSize
	case size > MaxSize:
		return MaxSize
	default:
		return size
	}
}
