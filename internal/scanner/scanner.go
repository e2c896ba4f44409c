// Package scanner runs the capture loop: it owns a camera stream, samples
// frames at a fixed cadence and hands them to a QR decoder until a payload
// is recognized or the session is cancelled.
package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docqr/internal/domain"
)

type State string

const (
	StateIdle             State = "idle"
	StateRequestingCamera State = "requesting_camera"
	StateScanning         State = "scanning"
	StateSuccess          State = "success"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateCancelled
}

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultGrace    = 500 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("scanner: session already started")

type Config struct {
	Camera   Camera
	Decoder  Decoder
	Clock    Clock
	Facing   Facing
	Interval time.Duration
	// Grace is how long the recognized state is held before OnScan runs.
	Grace    time.Duration
	OnScan   func(payload string)
	OnCancel func()
	Logger   *zap.Logger
}

// Session is a snapshot of the scanner's state.
type Session struct {
	ID        string    `json:"id"`
	Status    State     `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"startedAt"`
}

// Scanner is one scan session. It is not reusable after a terminal state.
type Scanner struct {
	cfg Config
	log *zap.Logger
	id  string

	mu        sync.Mutex
	state     State
	attempts  int
	startedAt time.Time
	stream    Stream
	payload   string
	err       error

	inFlight  atomic.Bool
	surfaceMu sync.Mutex
	surface   Frame

	scanOnce   sync.Once
	cancelOnce sync.Once
	doneOnce   sync.Once
	done       chan struct{}
}

func New(cfg Config) *Scanner {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Scanner{
		cfg:   cfg,
		id:    id,
		log:   cfg.Logger.Named("scanner").With(zap.String("session", id)),
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Session returns a snapshot of the current state.
func (s *Scanner) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{ID: s.id, Status: s.state, Attempts: s.attempts, StartedAt: s.startedAt}
}

func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state and its
// callback, if any, has run.
func (s *Scanner) Done() <-chan struct{} { return s.done }

// Start requests the camera, rear facing first, and starts the capture loop.
// A refused camera moves the session to StateError with
// domain.KindCameraAccessDenied; there is no re-prompt. A request cut short by
// ctx or Cancel ends the session as cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRequestingCamera
	s.startedAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	s.log.Debug("requesting camera", zap.String("facing", string(s.cfg.Facing)))

	stream, err := s.acquire(ctx)
	if err != nil && (ctx.Err() != nil || s.State() == StateCancelled) {
		// the request was abandoned, not refused
		s.log.Debug("camera request interrupted", zap.Error(err))
		s.Cancel()
		_, cerr := s.Result()
		return cerr
	}
	if err != nil {
		derr := domain.Wrap(domain.KindCameraAccessDenied, err, "camera unavailable")
		s.fail(derr)
		return derr
	}

	s.mu.Lock()
	if s.state != StateRequestingCamera {
		// cancelled while the permission request was pending
		s.mu.Unlock()
		if cerr := stream.Close(); cerr != nil {
			s.log.Warn("camera release failed", zap.Error(cerr))
		}
		_, err := s.Result()
		return err
	}
	s.stream = stream
	s.state = StateScanning
	s.mu.Unlock()
	s.log.Info("scanning")

	go s.loop(ctx)
	return nil
}

func (s *Scanner) acquire(ctx context.Context) (Stream, error) {
	if s.cfg.Camera == nil {
		return nil, errors.New("no camera configured")
	}
	stream, err := s.cfg.Camera.Acquire(ctx, s.cfg.Facing)
	if errors.Is(err, ErrFacingUnavailable) && s.cfg.Facing != FacingAny {
		s.log.Debug("preferred facing unavailable, falling back", zap.String("facing", string(s.cfg.Facing)))
		stream, err = s.cfg.Camera.Acquire(ctx, FacingAny)
	}
	if err == nil && stream == nil {
		err = errors.New("camera returned no stream")
	}
	return stream, err
}

// loop schedules one attempt per interval. Cancellation is checked before
// every attempt; an attempt in flight is never interrupted.
func (s *Scanner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return
		case <-s.done:
			return
		case <-s.cfg.Clock.After(s.cfg.Interval):
		}
		if ctx.Err() != nil {
			s.Cancel()
			return
		}
		if s.State() != StateScanning {
			return
		}
		s.Attempt()
	}
}

// Attempt captures one frame and decodes it. It returns false without
// touching the camera when another attempt is in flight or the session is
// not scanning.
func (s *Scanner) Attempt() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	stream := s.stream
	scanning := s.state == StateScanning
	s.mu.Unlock()
	if !scanning || stream == nil {
		return false
	}

	s.surfaceMu.Lock()
	payload, ok, err := s.captureAndDecode(stream)
	s.surfaceMu.Unlock()

	s.mu.Lock()
	if s.state != StateScanning {
		s.mu.Unlock()
		return true
	}
	if !ok {
		s.attempts++
		n := s.attempts
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("frame capture failed", zap.Int("attempt", n), zap.Error(err))
		}
		return true
	}
	s.state = StateSuccess
	s.payload = payload
	n := s.attempts
	s.mu.Unlock()

	s.log.Info("payload recognized", zap.Int("failed_attempts", n))
	s.release()
	s.deliver(payload)
	return true
}

func (s *Scanner) captureAndDecode(stream Stream) (string, bool, error) {
	if err := stream.Capture(&s.surface); err != nil {
		return "", false, err
	}
	if s.cfg.Decoder == nil {
		return "", false, errors.New("no decoder configured")
	}
	payload, ok := s.cfg.Decoder.Decode(&s.surface)
	return payload, ok && payload != "", nil
}

func (s *Scanner) deliver(payload string) {
	if s.cfg.Grace > 0 {
		<-s.cfg.Clock.After(s.cfg.Grace)
	}
	s.scanOnce.Do(func() {
		if s.cfg.OnScan != nil {
			s.cfg.OnScan(payload)
		}
	})
	s.finish()
}

// Cancel releases the camera and ends the session. OnCancel runs once.
// Cancelling a finished session does nothing.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.err = domain.Errorf(domain.KindDecodeNeverSucceeded, "cancelled after %d attempts", s.attempts)
	s.mu.Unlock()

	s.log.Info("scan cancelled")
	s.release()
	s.cancelOnce.Do(func() {
		if s.cfg.OnCancel != nil {
			s.cfg.OnCancel()
		}
	})
	s.finish()
}

func (s *Scanner) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.err = err
	s.mu.Unlock()
	s.log.Warn("scan failed", zap.Error(err))
	s.release()
	s.finish()
}

// release closes the stream at most once, whichever exit path gets here first.
func (s *Scanner) release() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("camera release failed", zap.Error(err))
		return
	}
	s.log.Debug("camera released")
}

func (s *Scanner) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Result returns the recognized payload or the terminal error. Before a
// terminal state both are zero.
func (s *Scanner) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload, s.err
}

// Wait blocks until the session ends or ctx is done.
func (s *Scanner) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Scan starts the session and blocks until it ends. Cancelling ctx cancels
// the session.
func (s *Scanner) Scan(ctx context.Context) (string, error) {
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	<-s.done
	return s.Result()
}
