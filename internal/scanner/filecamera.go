package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileCamera plays a sequence of still images as a video stream, e.g.
// frames dumped by a capture tool. It reports a single fixed facing.
type FileCamera struct {
	Paths  []string
	Facing Facing
	// Loop restarts from the first frame after the last one.
	Loop bool
}

// NewDirCamera collects the png/jpeg files of dir in name order.
func NewDirCamera(dir string, loop bool) (*FileCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no png/jpeg frames in %s", dir)
	}
	return &FileCamera{Paths: paths, Facing: FacingRear, Loop: loop}, nil
}

func (c *FileCamera) Acquire(ctx context.Context, facing Facing) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Paths) == 0 {
		return nil, errors.New("no frames available")
	}
	if facing != FacingAny && c.Facing != FacingAny && facing != c.Facing {
		return nil, ErrFacingUnavailable
	}
	for _, p := range c.Paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open frame source: %w", err)
		}
		f.Close()
	}
	paths := append([]string(nil), c.Paths...)
	return &fileStream{paths: paths, loop: c.Loop}, nil
}

type fileStream struct {
	mu     sync.Mutex
	paths  []string
	next   int
	loop   bool
	closed bool
}

func (s *fileStream) Capture(dst *Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.next >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return io.EOF
		}
		s.next = 0
	}
	path := s.paths[s.next]
	s.next++
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	dst.Draw(img)
	return nil
}

func (s *fileStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	return nil
}
