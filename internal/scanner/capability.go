package scanner

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"time"
)

// Facing selects which physical camera to open.
type Facing string

const (
	FacingAny   Facing = ""
	FacingRear  Facing = "environment"
	FacingFront Facing = "user"
)

var (
	// ErrFacingUnavailable makes the scanner retry acquisition with FacingAny.
	ErrFacingUnavailable = errors.New("scanner: requested camera facing unavailable")
	ErrStreamClosed      = errors.New("scanner: stream closed")
)

// Camera grants access to a video stream. Any error other than
// ErrFacingUnavailable is treated as access denied.
type Camera interface {
	Acquire(ctx context.Context, facing Facing) (Stream, error)
}

// Stream is an acquired camera. Close releases every underlying track.
type Stream interface {
	// Capture copies the current frame into dst, reusing dst's buffer.
	Capture(dst *Frame) error
	Close() error
}

// Decoder extracts a QR payload from a frame; ok is false when none is found.
type Decoder interface {
	Decode(f *Frame) (payload string, ok bool)
}

// Clock drives the retry cadence and the success grace period.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Frame is the off-screen surface frames are captured into: tightly packed
// RGBA pixels, 4 bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// Reset sizes the surface for w x h pixels, reusing the buffer when it fits.
func (f *Frame) Reset(w, h int) {
	n := 4 * w * h
	if cap(f.Pix) < n {
		f.Pix = make([]uint8, n)
	}
	f.Pix = f.Pix[:n]
	f.Width, f.Height = w, h
}

// RGBA is a view onto the frame's pixels; it shares the buffer.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{Pix: f.Pix, Stride: 4 * f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
}

// Draw replaces the surface content with img.
func (f *Frame) Draw(img image.Image) {
	b := img.Bounds()
	f.Reset(b.Dx(), b.Dy())
	dst := f.RGBA()
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
}
