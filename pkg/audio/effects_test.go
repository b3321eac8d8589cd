package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/luavoice/pkg/audio"
)

// sine returns a mono clip holding a sine wave at the given amplitude.
func sine(rate int, freq, amp float64, d time.Duration) audio.Clip {
	n := int(float64(rate) * d.Seconds())
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return audio.FromSamples(audio.Format{SampleRate: rate, Channels: 1}, samples)
}

// tail returns the second half of c.
func tail(c audio.Clip) audio.Clip {
	half := c.Frames() / 2 * c.Channels * 2
	c.PCM = c.PCM[half:]
	return c
}

func TestNormalize(t *testing.T) {
	c := sine(16000, 440, 0.25, 100*time.Millisecond)
	got := audio.Normalize(c, 0.1)
	if peak := audio.PeakDBFS(got); math.Abs(peak-(-0.1)) > 0.05 {
		t.Errorf("peak = %.3f dBFS, want -0.1", peak)
	}
}

func TestNormalize_Silence(t *testing.T) {
	c := audio.Clip{Format: audio.Format{SampleRate: 16000, Channels: 1}, PCM: make([]byte, 64)}
	got := audio.Normalize(c, 0.1)
	if &got.PCM[0] != &c.PCM[0] {
		t.Error("expected silent clip to be returned unchanged")
	}
}

func TestGain(t *testing.T) {
	c := audio.Clip{Format: audio.Format{SampleRate: 8000, Channels: 1}, PCM: samplesToBytes([]int16{10000, -10000})}
	got := bytesToSamples(audio.Gain(c, -6.0206).PCM)
	for i, s := range got {
		if s < 4990 && s > -4990 || s > 5010 || s < -5010 {
			t.Errorf("sample %d = %d, want ±5000", i, s)
		}
	}
}

func TestCompress_ReducesLoudPeaks(t *testing.T) {
	loud := sine(16000, 220, 0.9, 200*time.Millisecond)
	quiet := sine(16000, 220, 0.05, 200*time.Millisecond)

	gotLoud, err := audio.Compress(loud, audio.DefaultCompressor)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	// Skip the attack phase; the steady state must sit well below the input.
	if peak := audio.Peak(tail(gotLoud)); peak >= audio.Peak(loud)*0.5 {
		t.Errorf("loud peak %.3f not reduced from %.3f", peak, audio.Peak(loud))
	}

	gotQuiet, err := audio.Compress(quiet, audio.DefaultCompressor)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	// -26 dBFS sits below the threshold and must pass untouched.
	if string(gotQuiet.PCM) != string(quiet.PCM) {
		t.Error("signal below threshold was modified")
	}
}

func TestCompress_InvalidRatio(t *testing.T) {
	cfg := audio.DefaultCompressor
	cfg.Ratio = 0.5
	if _, err := audio.Compress(sine(8000, 100, 0.5, 10*time.Millisecond), cfg); err == nil {
		t.Fatal("expected error for ratio < 1")
	}
}

func TestChangeTempo(t *testing.T) {
	c := sine(16000, 300, 0.5, time.Second)

	tests := []struct {
		speed float64
		want  int
	}{
		{1.0, 16000},
		{1.1, 14545},
		{0.85, 18824},
		{2.0, 8000},
	}
	for _, tc := range tests {
		got, err := audio.ChangeTempo(c, tc.speed)
		if err != nil {
			t.Fatalf("ChangeTempo(%.2f): %v", tc.speed, err)
		}
		if d := got.Frames() - tc.want; d < -1 || d > 1 {
			t.Errorf("ChangeTempo(%.2f) frames = %d, want ~%d", tc.speed, got.Frames(), tc.want)
		}
		if audio.Peak(got) > 0.55 {
			t.Errorf("ChangeTempo(%.2f) peak = %.3f, overlap-add should not amplify", tc.speed, audio.Peak(got))
		}
	}
}

func TestChangeTempo_OutOfRange(t *testing.T) {
	c := sine(16000, 300, 0.5, 100*time.Millisecond)
	for _, speed := range []float64{0, 0.1, 5, math.NaN()} {
		if _, err := audio.ChangeTempo(c, speed); err == nil {
			t.Errorf("ChangeTempo(%v): expected error", speed)
		}
	}
}

func TestChangeTempo_ShortClip(t *testing.T) {
	c := audio.Clip{Format: audio.Format{SampleRate: 16000, Channels: 1}, PCM: samplesToBytes([]int16{1, 2, 3})}
	got, err := audio.ChangeTempo(c, 1.5)
	if err != nil {
		t.Fatalf("ChangeTempo: %v", err)
	}
	if got.Frames() != 3 {
		t.Errorf("short clip frames = %d, want 3", got.Frames())
	}
}

func TestLowerPitch(t *testing.T) {
	c := sine(22050, 440, 0.5, time.Second)
	got, err := audio.LowerPitch(c, 0.9)
	if err != nil {
		t.Fatalf("LowerPitch: %v", err)
	}
	if got.SampleRate != 22050 {
		t.Errorf("sample rate = %d, want unchanged 22050", got.SampleRate)
	}
	// 22050 samples played at 19845 Hz last 1/0.9 s.
	if want := 24500; got.Frames() < want-2 || got.Frames() > want+2 {
		t.Errorf("frames = %d, want ~%d", got.Frames(), want)
	}
	if _, err := audio.LowerPitch(c, 1.5); err == nil {
		t.Error("expected error for factor > 1")
	}
}

func TestOverlay(t *testing.T) {
	f := audio.Format{SampleRate: 1000, Channels: 1}
	base := audio.Clip{Format: f, PCM: samplesToBytes([]int16{100, 100, 100, 100})}
	over := audio.Clip{Format: f, PCM: samplesToBytes([]int16{1, 2, 3, 4})}

	got, err := audio.Overlay(base, over, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	want := []int16{100, 100, 101, 102}
	samples := bytesToSamples(got.PCM)
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestOverlay_Clamps(t *testing.T) {
	f := audio.Format{SampleRate: 1000, Channels: 1}
	base := audio.Clip{Format: f, PCM: samplesToBytes([]int16{32000, -32000})}
	got, err := audio.Overlay(base, base, 0)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	samples := bytesToSamples(got.PCM)
	if samples[0] != 32767 || samples[1] != -32768 {
		t.Errorf("got %v, want clamped [32767 -32768]", samples)
	}
}

func TestOverlay_FormatMismatch(t *testing.T) {
	a := audio.Clip{Format: audio.Format{SampleRate: 1000, Channels: 1}}
	b := audio.Clip{Format: audio.Format{SampleRate: 2000, Channels: 1}}
	if _, err := audio.Overlay(a, b, 0); !errors.Is(err, audio.ErrFormatMismatch) {
		t.Fatalf("err = %v, want ErrFormatMismatch", err)
	}
}

func TestEcho_KeepsLength(t *testing.T) {
	c := sine(22050, 200, 0.5, 300*time.Millisecond)
	got, err := audio.Echo(c, 50*time.Millisecond, -8)
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if got.Frames() != c.Frames() {
		t.Errorf("frames = %d, want %d", got.Frames(), c.Frames())
	}
	// The first 50 ms carry no echo yet.
	head := 22050 * 50 / 1000
	if string(got.PCM[:head*2]) != string(c.PCM[:head*2]) {
		t.Error("echo leaked into the first 50ms")
	}
}
