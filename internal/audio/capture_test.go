package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicebridge/internal/errorsx"
)

type stubSource struct {
	raw     []byte
	openErr error
	opened  int
	closed  bool
	mu      sync.Mutex
}

func (s *stubSource) Open(_ context.Context, _ CaptureConfig) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &stubStream{Reader: bytes.NewReader(s.raw), src: s}, nil
}

type stubStream struct {
	io.Reader
	src *stubSource
}

func (s *stubStream) Close() error {
	s.src.mu.Lock()
	defer s.src.mu.Unlock()
	s.src.closed = true
	return nil
}

func floatsLE(samples ...float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

type frameCollector struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *frameCollector) add(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func waitDone(t *testing.T, c *CaptureEncoder) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("capture did not finish")
	}
}

func TestCaptureEmitsFixedWindows(t *testing.T) {
	src := &stubSource{raw: floatsLE(0, 1, -1, 2, 0.5, -0.5, 0, 0)}
	enc := NewCaptureEncoder(src, CaptureConfig{SampleRate: 16000, Window: 4}, nil)
	var got frameCollector
	if err := enc.Start(context.Background(), got.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, enc)

	if len(got.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(got.frames))
	}
	first := got.frames[0]
	if first.SampleRate != 16000 || first.Channels != 1 || first.Samples() != 4 {
		t.Fatalf("first frame = %+v", first)
	}
	want := EncodePCM16LE([]float32{0, 1, -1, 1})
	if !bytes.Equal(first.Data, want) {
		t.Fatalf("first frame pcm = %v, want %v", first.Data, want)
	}
	if enc.Emitted() != 2 {
		t.Fatalf("Emitted() = %d, want 2", enc.Emitted())
	}
}

func TestCaptureDropsFramesWhileGateClosed(t *testing.T) {
	src := &stubSource{raw: floatsLE(0, 0, 0, 0, 0, 0, 0, 0)}
	enc := NewCaptureEncoder(src, CaptureConfig{Window: 4}, func() bool { return false })
	var got frameCollector
	if err := enc.Start(context.Background(), got.add); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, enc)
	if len(got.frames) != 0 {
		t.Fatalf("frames = %d, want 0", len(got.frames))
	}
	if enc.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", enc.Dropped())
	}
}

func TestCaptureDeviceUnavailable(t *testing.T) {
	cases := map[string]*stubSource{
		"open fails":   {openErr: errors.New("permission denied")},
		"empty stream": {},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			enc := NewCaptureEncoder(src, CaptureConfig{Window: 4}, nil)
			err := enc.Start(context.Background(), func(Frame) {})
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("Start() error = %v, want %v", err, ErrDeviceUnavailable)
			}
			if !errorsx.HasReason(err, errorsx.ReasonDeviceUnavailable) {
				t.Fatalf("Start() reason = %q", errorsx.Reason(err))
			}
		})
	}
}

func TestCaptureStopIsIdempotentAndFinal(t *testing.T) {
	src := &stubSource{raw: floatsLE(0, 0, 0, 0)}
	enc := NewCaptureEncoder(src, CaptureConfig{Window: 4}, nil)
	if err := enc.Start(context.Background(), func(Frame) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := enc.Stop(); err != nil {
			t.Fatalf("Stop() #%d error = %v", i, err)
		}
	}
	waitDone(t, enc)
	if !src.closed {
		t.Fatalf("stream not closed after Stop")
	}
	if err := enc.Start(context.Background(), func(Frame) {}); !errors.Is(err, ErrCaptureStopped) {
		t.Fatalf("Start() after Stop error = %v, want %v", err, ErrCaptureStopped)
	}
}

func TestCaptureStopsWithContext(t *testing.T) {
	src := &stubSource{raw: floatsLE(0, 0, 0, 0)}
	enc := NewCaptureEncoder(src, CaptureConfig{Window: 4}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := enc.Start(ctx, func(Frame) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	waitDone(t, enc)
}

func TestCaptureArgsRequestFilters(t *testing.T) {
	args, err := captureArgs("linux", "", DefaultCaptureConfig())
	if err != nil {
		t.Fatalf("captureArgs() error = %v", err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-f pulse -i default", "-af afftdn", "-ar 16000", "-f f32le -"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("captureArgs() = %q, missing %q", joined, want)
		}
	}
	if _, err := captureArgs("plan9", "", DefaultCaptureConfig()); err == nil {
		t.Fatalf("captureArgs(plan9) error = nil")
	}
}
