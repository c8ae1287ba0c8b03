package audio

import (
	"math"
	"testing"
	"time"
)

func TestFloatToPCM16Saturates(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{1.5, 32767},
		{-3, -32768},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 32767},
		{float32(math.Inf(-1)), -32768},
	}
	for _, tc := range cases {
		if got := FloatToPCM16(tc.in); got != tc.want {
			t.Fatalf("FloatToPCM16(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPCMRoundTripWithinOneStep(t *testing.T) {
	const step = 1.0 / 32768
	for i := -1000; i <= 1000; i++ {
		x := float32(i) / 1000
		got := PCM16ToFloat(FloatToPCM16(x))
		if diff := math.Abs(float64(got - x)); diff > step {
			t.Fatalf("round trip of %v = %v, diff %v > %v", x, got, diff, step)
		}
	}
}

func TestEncodeDecodePCM16LE(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1}
	raw := EncodePCM16LE(in)
	if len(raw) != len(in)*2 {
		t.Fatalf("len(EncodePCM16LE) = %d, want %d", len(raw), len(in)*2)
	}
	// -1 saturates to 0x8000 little-endian.
	if raw[8] != 0x00 || raw[9] != 0x80 {
		t.Fatalf("encoded -1 = %x %x, want 00 80", raw[8], raw[9])
	}
	out := DecodePCM16LE(append(raw, 0x7f))
	if len(out) != len(in) {
		t.Fatalf("len(DecodePCM16LE) = %d, want %d", len(out), len(in))
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Data: make([]byte, 4800), SampleRate: PlaybackSampleRate, Channels: 1}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Fatalf("Duration() = %v, want 100ms", got)
	}
	if got := (Frame{Data: make([]byte, 10)}).Duration(); got != 0 {
		t.Fatalf("Duration() without rate = %v, want 0", got)
	}
}
