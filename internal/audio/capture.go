package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/voicebridge/internal/errorsx"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrCaptureStopped    = errors.New("capture already stopped")
	ErrCaptureRunning    = errors.New("capture already running")
)

// CaptureConfig describes what is requested from the input device.
type CaptureConfig struct {
	SampleRate       int
	Window           int
	EchoCancellation bool
	NoiseSuppression bool
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:       CaptureSampleRate,
		Window:           CaptureWindow,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Source opens a microphone stream of mono little-endian float32 samples at
// cfg.SampleRate. Closing the stream releases the device.
type Source interface {
	Open(ctx context.Context, cfg CaptureConfig) (io.ReadCloser, error)
}

type captureState int

const (
	captureIdle captureState = iota
	captureRunning
	captureStopped
)

// CaptureEncoder turns a float microphone stream into fixed PCM16 frames.
// It runs at most once: after Stop it cannot be started again.
type CaptureEncoder struct {
	source   Source
	cfg      CaptureConfig
	writable func() bool

	mu     sync.Mutex
	state  captureState
	stream io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	emitted atomic.Int64
	dropped atomic.Int64
}

// NewCaptureEncoder builds an encoder. writable gates emission; frames
// produced while it reports false are dropped. A nil gate always emits.
func NewCaptureEncoder(source Source, cfg CaptureConfig, writable func() bool) *CaptureEncoder {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &CaptureEncoder{
		source:   source,
		cfg:      cfg,
		writable: writable,
		done:     make(chan struct{}),
	}
}

// Start acquires the device and blocks until the first window has been
// read, so a missing device is reported here rather than later.
func (c *CaptureEncoder) Start(ctx context.Context, onFrame func(Frame)) error {
	if onFrame == nil {
		return errors.New("capture frame handler is required")
	}

	c.mu.Lock()
	switch c.state {
	case captureRunning:
		c.mu.Unlock()
		return ErrCaptureRunning
	case captureStopped:
		c.mu.Unlock()
		return ErrCaptureStopped
	}
	if c.source == nil {
		c.state = captureStopped
		close(c.done)
		c.mu.Unlock()
		return deviceUnavailable(errors.New("no capture source configured"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	stream, err := c.source.Open(runCtx, c.cfg)
	if err != nil {
		cancel()
		c.state = captureStopped
		close(c.done)
		c.mu.Unlock()
		return deviceUnavailable(err)
	}
	c.state = captureRunning
	c.stream = stream
	c.cancel = cancel
	c.mu.Unlock()

	buf := make([]byte, c.cfg.Window*4)
	if _, err := io.ReadFull(stream, buf); err != nil {
		stopped := c.isStopped()
		_ = c.Stop()
		close(c.done)
		if stopped {
			return ErrCaptureStopped
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.New("input stream ended before the first window")
		}
		return deviceUnavailable(err)
	}

	go func() {
		<-runCtx.Done()
		_ = c.Stop()
	}()
	go c.loop(stream, buf, onFrame)
	return nil
}

func (c *CaptureEncoder) loop(stream io.Reader, buf []byte, onFrame func(Frame)) {
	defer close(c.done)
	var samples []float32
	for {
		samples = decodeFloat32LE(buf, samples)
		c.emit(Frame{Data: EncodePCM16LE(samples), SampleRate: c.cfg.SampleRate, Channels: 1}, onFrame)

		if _, err := io.ReadFull(stream, buf); err != nil {
			if !c.isStopped() {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				_ = c.Stop()
			}
			return
		}
	}
}

func (c *CaptureEncoder) emit(f Frame, onFrame func(Frame)) {
	if c.writable != nil && !c.writable() {
		c.dropped.Add(1)
		return
	}
	c.emitted.Add(1)
	onFrame(f)
}

// Stop releases the device. Safe to call any number of times.
func (c *CaptureEncoder) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case captureStopped:
		return nil
	case captureIdle:
		c.state = captureStopped
		close(c.done)
		return nil
	}
	c.state = captureStopped
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		return c.stream.Close()
	}
	return nil
}

// Done is closed once the encoder has stopped producing frames.
func (c *CaptureEncoder) Done() <-chan struct{} {
	return c.done
}

// Err reports a read failure that ended capture, if any.
func (c *CaptureEncoder) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *CaptureEncoder) Emitted() int64 { return c.emitted.Load() }
func (c *CaptureEncoder) Dropped() int64 { return c.dropped.Load() }

func (c *CaptureEncoder) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == captureStopped
}

func deviceUnavailable(err error) error {
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrDeviceUnavailable, err), errorsx.ReasonDeviceUnavailable)
}
