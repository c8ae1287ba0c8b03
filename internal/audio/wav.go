package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
)

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// WriteWAV writes PCM16LE audio to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + uint32(len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bytesPerSample),
		BlockAlign:    uint16(channels * bytesPerSample),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// EncodeWAV wraps a frame in a WAV container.
func EncodeWAV(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, f.Data, f.SampleRate, f.Channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Recorder accumulates frames of one format, up to a byte limit.
type Recorder struct {
	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	channels   int
	limit      int
	truncated  bool
}

// NewRecorder keeps at most limit bytes; limit <= 0 means ten minutes of
// 16 kHz mono audio.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 10 * 60 * CaptureSampleRate * bytesPerSample
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Add(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sampleRate == 0 {
		r.sampleRate, r.channels = f.SampleRate, f.Channels
	}
	room := r.limit - len(r.pcm)
	if room <= 0 {
		r.truncated = true
		return
	}
	data := f.Data
	if len(data) > room {
		data = data[:room]
		r.truncated = true
	}
	r.pcm = append(r.pcm, data...)
}

func (r *Recorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// WriteFile writes everything recorded so far as a WAV file.
func (r *Recorder) WriteFile(path string) error {
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	rate, ch := r.sampleRate, r.channels
	r.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, rate, ch); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
