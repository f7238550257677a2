// Package snapshot stores the webcam stills taken at the start and end of an exam attempt.
package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidImage is returned for uploads that are not a decodable image data URL.
var ErrInvalidImage = errors.New("invalid image")

// Image is a captured still.
type Image struct {
	Data        []byte
	ContentType string
}

// Store persists images and returns an opaque reference to them.
type Store interface {
	Put(ctx context.Context, key string, img Image) (string, error)
}

// Phase tells which end of an attempt a snapshot belongs to.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// Key builds a unique object key for a snapshot.
func Key(examID, userID int64, phase Phase, img Image) string {
	return fmt.Sprintf("exams/%d/users/%d/%s-%s%s", examID, userID, phase, uuid.NewString(), extension(img.ContentType))
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// DecodeDataURL parses a "data:image/...;base64," URL as produced by a
// browser canvas. Images larger than maxBytes (when > 0) are rejected.
func DecodeDataURL(dataURL string, maxBytes int) (Image, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return Image{}, fmt.Errorf("%w: not a base64 data URL", ErrInvalidImage)
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return Image{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return Image{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, maxBytes)
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return Image{}, fmt.Errorf("%w: content type %s", ErrInvalidImage, ct)
	}
	return Image{Data: data, ContentType: ct}, nil
}
