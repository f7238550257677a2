package exam

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pavelanni/gramportal/internal/snapshot"
)

// ErrPermissionDenied is reported by a camera the user refused access to.
var ErrPermissionDenied = errors.New("camera permission denied")

// Camera gives access to a video device.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera feed. It must be closed after use.
type Stream interface {
	Frame(ctx context.Context) (snapshot.Image, error)
	Close() error
}

// FrameCamera is a Camera whose stream yields one frame captured elsewhere,
// typically a still uploaded by the browser. A non-nil Err is returned from Open.
type FrameCamera struct {
	Image snapshot.Image
	Err   error
}

func (c FrameCamera) Open(ctx context.Context) (Stream, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &frameStream{img: c.Image}, nil
}

type frameStream struct {
	img    snapshot.Image
	closed bool
}

func (s *frameStream) Frame(ctx context.Context) (snapshot.Image, error) {
	if s.closed {
		return snapshot.Image{}, errors.New("stream closed")
	}
	if err := ctx.Err(); err != nil {
		return snapshot.Image{}, err
	}
	if len(s.img.Data) == 0 {
		return snapshot.Image{}, errors.New("no frame available")
	}
	return s.img, nil
}

func (s *frameStream) Close() error {
	s.closed = true
	return nil
}

// captureStill opens the camera, grabs one frame and releases the stream on every path.
func captureStill(ctx context.Context, cam Camera) (snapshot.Image, error) {
	stream, err := cam.Open(ctx)
	if err != nil {
		return snapshot.Image{}, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			slog.Warn("failed to release camera", "error", err)
		}
	}()
	return stream.Frame(ctx)
}
