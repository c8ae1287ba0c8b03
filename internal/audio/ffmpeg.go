package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// FFmpegSource captures the default microphone through an ffmpeg subprocess.
type FFmpegSource struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Device overrides the platform default input ("default" on pulse, ":0" on avfoundation).
	Device string
	GOOS   string
}

func (s FFmpegSource) Open(ctx context.Context, cfg CaptureConfig) (io.ReadCloser, error) {
	bin := strings.TrimSpace(s.Binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%s is required for microphone capture: %w", bin, err)
	}
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	args, err := captureArgs(goos, s.Device, cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if cfg.EchoCancellation && goos == "linux" {
		// module-filter-apply loads module-echo-cancel for streams that ask for it.
		cmd.Env = append(os.Environ(), "PULSE_PROP=filter.want=echo-cancel")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg capture: %w", err)
	}
	return &processReader{cmd: cmd, ReadCloser: stdout}, nil
}

func captureArgs(goos, device string, cfg CaptureConfig) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s", goos)
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	if cfg.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

type processReader struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// FFPlaySink writes PCM16LE mono audio to an ffplay subprocess. Reset kills
// the process so buffered audio is discarded; the next Play restarts it.
type FFPlaySink struct {
	Binary     string
	SampleRate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

var errSinkClosed = errors.New("playback sink closed")

func NewFFPlaySink(binary string, sampleRate int) (*FFPlaySink, error) {
	if strings.TrimSpace(binary) == "" {
		binary = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s is required for playback: %w", binary, err)
	}
	return &FFPlaySink{Binary: binary, SampleRate: sampleRate}, nil
}

func (p *FFPlaySink) Play(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSinkClosed
	}
	if p.stdin == nil {
		if err := p.startLocked(); err != nil {
			return err
		}
	}
	_, err := p.stdin.Write(pcm)
	return err
}

func (p *FFPlaySink) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return nil
}

func (p *FFPlaySink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.killLocked()
	return nil
}

func (p *FFPlaySink) startLocked() error {
	cmd := exec.Command(p.Binary,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", p.SampleRate),
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	return nil
}

func (p *FFPlaySink) killLocked() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.cmd = nil
	p.stdin = nil
}
