package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docqr/internal/domain"
)

// instantClock fires every timer immediately and records the requested delays.
type instantClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(1703123456, 0) }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// stoppedClock never fires, so only explicit Attempt calls capture frames.
type stoppedClock struct{}

func (stoppedClock) Now() time.Time                       { return time.Unix(1703123456, 0) }
func (stoppedClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

type fakeStream struct {
	captures atomic.Int32
	closes   atomic.Int32
}

func (s *fakeStream) Capture(dst *Frame) error {
	n := s.captures.Add(1)
	dst.Reset(2, 2)
	dst.Pix[0] = uint8(n)
	return nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeCamera struct {
	mu      sync.Mutex
	stream  *fakeStream
	err     error
	noRear  bool
	facings []Facing
}

func (c *fakeCamera) Acquire(_ context.Context, facing Facing) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facings = append(c.facings, facing)
	if c.err != nil {
		return nil, c.err
	}
	if c.noRear && facing == FacingRear {
		return nil, ErrFacingUnavailable
	}
	return c.stream, nil
}

// nthDecoder recognizes the payload on call number n.
type nthDecoder struct {
	n     int32
	calls atomic.Int32
}

func (d *nthDecoder) Decode(*Frame) (string, bool) {
	if d.calls.Add(1) >= d.n {
		return "https://qr.example.com/r/D/A/1", true
	}
	return "", false
}

type callbacks struct {
	scans   atomic.Int32
	cancels atomic.Int32
	payload atomic.Value
}

func (c *callbacks) onScan(p string) {
	c.scans.Add(1)
	c.payload.Store(p)
}

func (c *callbacks) onCancel() { c.cancels.Add(1) }

func TestScanSucceedsAfterFailedAttempts(t *testing.T) {
	stream := &fakeStream{}
	clock := &instantClock{}
	cb := &callbacks{}
	dec := &nthDecoder{n: 5}
	s := New(Config{
		Camera:   &fakeCamera{stream: stream},
		Decoder:  dec,
		Clock:    clock,
		Facing:   FacingRear,
		Grace:    DefaultGrace,
		OnScan:   cb.onScan,
		OnCancel: cb.onCancel,
		Logger:   zaptest.NewLogger(t),
	})

	payload, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://qr.example.com/r/D/A/1", payload)

	sess := s.Session()
	assert.Equal(t, StateSuccess, sess.Status)
	assert.Equal(t, 4, sess.Attempts)
	assert.NotEmpty(t, sess.ID)
	assert.EqualValues(t, 1, cb.scans.Load())
	assert.Equal(t, payload, cb.payload.Load())
	assert.EqualValues(t, 0, cb.cancels.Load())
	assert.EqualValues(t, 1, stream.closes.Load())

	clock.mu.Lock()
	defer clock.mu.Unlock()
	require.NotEmpty(t, clock.delays)
	assert.Equal(t, DefaultInterval, clock.delays[0])
	assert.Contains(t, clock.delays, DefaultGrace)

	s.Cancel()
	assert.EqualValues(t, 0, cb.cancels.Load(), "cancel after success is a no-op")
	assert.EqualValues(t, 1, stream.closes.Load())
}

func TestCameraDenied(t *testing.T) {
	cb := &callbacks{}
	s := New(Config{
		Camera:   &fakeCamera{err: errors.New("NotAllowedError")},
		Decoder:  &nthDecoder{n: 1},
		Clock:    &instantClock{},
		OnScan:   cb.onScan,
		OnCancel: cb.onCancel,
		Logger:   zaptest.NewLogger(t),
	})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCameraAccessDenied), "got %v", err)
	assert.Equal(t, StateError, s.State())

	_, werr := s.Wait(context.Background())
	assert.Equal(t, err, werr)
	assert.EqualValues(t, 0, cb.scans.Load())
	assert.EqualValues(t, 0, cb.cancels.Load())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestRearFacingFallsBackToAny(t *testing.T) {
	cam := &fakeCamera{stream: &fakeStream{}, noRear: true}
	s := New(Config{
		Camera:  cam,
		Decoder: &nthDecoder{n: 1},
		Clock:   &instantClock{},
		Facing:  FacingRear,
		Logger:  zaptest.NewLogger(t),
	})
	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Facing{FacingRear, FacingAny}, cam.facings)
}

func TestCancelReleasesCameraOnce(t *testing.T) {
	stream := &fakeStream{}
	cb := &callbacks{}
	s := New(Config{
		Camera:   &fakeCamera{stream: stream},
		Decoder:  &nthDecoder{n: 1000},
		Clock:    stoppedClock{},
		OnScan:   cb.onScan,
		OnCancel: cb.onCancel,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StateScanning, s.State())
	for i := 0; i < 3; i++ {
		require.True(t, s.Attempt())
	}
	assert.Equal(t, 3, s.Session().Attempts)

	s.Cancel()
	s.Cancel()
	_, err := s.Wait(context.Background())
	assert.True(t, errors.Is(err, domain.ErrDecodeNeverSucceeded), "got %v", err)
	assert.Equal(t, StateCancelled, s.State())
	assert.EqualValues(t, 1, cb.cancels.Load())
	assert.EqualValues(t, 0, cb.scans.Load())
	assert.EqualValues(t, 1, stream.closes.Load())

	assert.False(t, s.Attempt(), "no capture after cancel")
	assert.EqualValues(t, 3, stream.captures.Load())
}

func TestContextCancellationCancelsSession(t *testing.T) {
	stream := &fakeStream{}
	cb := &callbacks{}
	s := New(Config{
		Camera:   &fakeCamera{stream: stream},
		Decoder:  &nthDecoder{n: 1 << 30},
		Clock:    &instantClock{},
		OnCancel: cb.onCancel,
		Logger:   zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after context cancellation")
	}
	assert.Equal(t, StateCancelled, s.State())
	assert.EqualValues(t, 1, cb.cancels.Load())
	assert.EqualValues(t, 1, stream.closes.Load())
}

// blockingDecoder always recognizes a payload but waits for release first.
type blockingDecoder struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (d *blockingDecoder) Decode(*Frame) (string, bool) {
	d.calls.Add(1)
	d.entered <- struct{}{}
	<-d.release
	return "https://qr.example.com/r/D/A/1", true
}

func TestOverlappingAttemptsScanOnce(t *testing.T) {
	stream := &fakeStream{}
	cb := &callbacks{}
	dec := &blockingDecoder{entered: make(chan struct{}, 2), release: make(chan struct{})}
	s := New(Config{
		Camera:  &fakeCamera{stream: stream},
		Decoder: dec,
		Clock:   stoppedClock{},
		OnScan:  cb.onScan,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, s.Start(context.Background()))

	first := make(chan bool)
	go func() { first <- s.Attempt() }()
	<-dec.entered

	assert.False(t, s.Attempt(), "second attempt must not start while one is in flight")
	close(dec.release)
	assert.True(t, <-first)
	assert.False(t, s.Attempt())

	<-s.Done()
	assert.EqualValues(t, 1, cb.scans.Load())
	assert.EqualValues(t, 1, dec.calls.Load())
	assert.EqualValues(t, 1, stream.captures.Load())
	assert.EqualValues(t, 1, stream.closes.Load())
	assert.Equal(t, 0, s.Session().Attempts)
}

func TestCancelWhileRequestingCamera(t *testing.T) {
	stream := &fakeStream{}
	cb := &callbacks{}
	var s *Scanner
	cam := cameraFunc(func(ctx context.Context, f Facing) (Stream, error) {
		s.Cancel()
		return stream, nil
	})
	s = New(Config{Camera: cam, Decoder: &nthDecoder{n: 1}, Clock: stoppedClock{}, OnCancel: cb.onCancel, Logger: zaptest.NewLogger(t)})
	err := s.Start(context.Background())
	assert.True(t, errors.Is(err, domain.ErrDecodeNeverSucceeded), "got %v", err)
	assert.Equal(t, StateCancelled, s.State())
	assert.EqualValues(t, 1, stream.closes.Load())
	assert.EqualValues(t, 1, cb.cancels.Load())
}

type cameraFunc func(ctx context.Context, f Facing) (Stream, error)

func (f cameraFunc) Acquire(ctx context.Context, facing Facing) (Stream, error) { return f(ctx, facing) }

func TestContextCancelledWhileRequestingCamera(t *testing.T) {
	cb := &callbacks{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cam := cameraFunc(func(ctx context.Context, f Facing) (Stream, error) {
		cancel()
		return nil, ctx.Err()
	})
	s := New(Config{Camera: cam, Decoder: &nthDecoder{n: 1}, Clock: stoppedClock{}, OnCancel: cb.onCancel, Logger: zaptest.NewLogger(t)})
	err := s.Start(ctx)
	assert.True(t, errors.Is(err, domain.ErrDecodeNeverSucceeded), "got %v", err)
	assert.False(t, errors.Is(err, domain.ErrCameraAccessDenied))
	assert.Equal(t, StateCancelled, s.State())
	assert.EqualValues(t, 1, cb.cancels.Load())
	<-s.Done()
}

func TestCancelledRequestThatFailsIsNotADenial(t *testing.T) {
	cb := &callbacks{}
	var s *Scanner
	cam := cameraFunc(func(ctx context.Context, f Facing) (Stream, error) {
		s.Cancel()
		return nil, errors.New("request aborted")
	})
	s = New(Config{Camera: cam, Decoder: &nthDecoder{n: 1}, Clock: stoppedClock{}, OnCancel: cb.onCancel, Logger: zaptest.NewLogger(t)})
	err := s.Start(context.Background())
	assert.True(t, errors.Is(err, domain.ErrDecodeNeverSucceeded), "got %v", err)
	assert.Equal(t, StateCancelled, s.State())
	assert.EqualValues(t, 1, cb.cancels.Load())
}
