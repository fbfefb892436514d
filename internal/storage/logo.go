// Package storage decides where bot logos live.
//
// A logo arrives either as an external http(s) URL, which is stored as-is, or
// as an inline "data:image/...;base64," payload. Inline payloads are handed to
// a LogoStore, which returns the string the catalog persists:
//
//	InlineStore  keeps the data URL in the database row
//	S3Store      uploads the bytes to an S3-compatible bucket (AWS, R2, MinIO)
//	             and returns the object's public URL
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLogoBytes is the decoded size ceiling for inline logos.
const MaxLogoBytes = 800 * 1024

var (
	// ErrNotDataURL means the value is not an inline image at all.
	ErrNotDataURL = errors.New("storage: not an image data URL")
	// ErrLogoTooLarge means the decoded payload exceeds MaxLogoBytes.
	ErrLogoTooLarge = errors.New("storage: logo exceeds size limit")
	// ErrBadEncoding means the payload is not valid base64.
	ErrBadEncoding = errors.New("storage: logo is not valid base64")
)

var dataURLPattern = regexp.MustCompile(`^data:image/(png|jpeg|jpg|webp|gif);base64,`)

var extensions = map[string]string{
	"png":  "png",
	"jpeg": "jpg",
	"jpg":  "jpg",
	"webp": "webp",
	"gif":  "gif",
}

// Image is a decoded inline logo.
type Image struct {
	ContentType string
	Ext         string
	Data        []byte
	raw         string
}

// DataURL returns the original data URL the image was parsed from.
func (img *Image) DataURL() string {
	return img.raw
}

// IsDataURL reports whether s looks like an inline image payload, without decoding it.
func IsDataURL(s string) bool {
	return dataURLPattern.MatchString(s)
}

// ParseDataURL decodes an inline logo and enforces the allowed encodings and
// MaxLogoBytes. The size is checked on the encoded length first so oversized
// payloads are rejected before any decoding work.
func ParseDataURL(s string) (*Image, error) {
	m := dataURLPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrNotDataURL
	}
	payload := strings.TrimSpace(s[len(m[0]):])
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxLogoBytes+2 {
		return nil, ErrLogoTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadEncoding)
	}
	if len(data) > MaxLogoBytes {
		return nil, ErrLogoTooLarge
	}

	subtype := m[1]
	contentType := "image/" + subtype
	if subtype == "jpg" {
		contentType = "image/jpeg"
	}
	return &Image{
		ContentType: contentType,
		Ext:         extensions[subtype],
		Data:        data,
		raw:         s,
	}, nil
}

// LogoStore persists an inline logo for a bot and returns the value to store
// in the bot's Logo field.
type LogoStore interface {
	Store(ctx context.Context, botID string, img *Image) (string, error)
	// Remove deletes the logo Store returned for botID. Any other value
	// (external URLs, inline data, objects written for another bot) is ignored.
	Remove(ctx context.Context, botID, logo string) error
}

// InlineStore keeps logos inside the bot record.
type InlineStore struct{}

// Store returns the original data URL.
func (InlineStore) Store(_ context.Context, _ string, img *Image) (string, error) {
	return img.DataURL(), nil
}

// Remove is a no-op: the logo goes away with the row.
func (InlineStore) Remove(context.Context, string, string) error {
	return nil
}
