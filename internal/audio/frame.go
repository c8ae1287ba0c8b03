package audio

import "time"

const (
	// CaptureSampleRate is the microphone rate sent to the engine.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of synthesized speech from the engine.
	PlaybackSampleRate = 24000
	// CaptureWindow is the number of samples per captured frame.
	CaptureWindow = 4096

	bytesPerSample = 2
)

// Frame is a chunk of PCM16LE audio.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Samples returns the number of samples per channel.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / bytesPerSample / ch
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
