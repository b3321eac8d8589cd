package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrFormatMismatch is returned when an operation combines clips of different
// formats.
var ErrFormatMismatch = errors.New("audio: format mismatch")

// Tempo bounds accepted by [ChangeTempo].
const (
	MinTempo = 0.25
	MaxTempo = 4.0
)

// tempoFrame is the analysis window length used by [ChangeTempo].
const tempoFrame = 40 * time.Millisecond

// CompressorConfig holds the knobs of [Compress].
type CompressorConfig struct {
	// ThresholdDB is the level in dBFS above which gain reduction starts.
	ThresholdDB float64

	// Ratio is the input/output slope above the threshold (4 means 4:1).
	Ratio float64

	// Attack and Release are the envelope follower time constants.
	Attack  time.Duration
	Release time.Duration
}

// DefaultCompressor mirrors the classic 4:1 voice compressor at -20 dBFS.
var DefaultCompressor = CompressorConfig{
	ThresholdDB: -20,
	Ratio:       4,
	Attack:      5 * time.Millisecond,
	Release:     50 * time.Millisecond,
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

// floatToSample converts a [-1, 1] float to int16 with clamping.
func floatToSample(f float64) int16 {
	v := math.Round(f * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Samples returns the clip's samples as floats in [-1, 1), interleaved.
func (c Clip) Samples() []float64 {
	n := len(c.PCM) / 2
	out := make([]float64, n)
	for i := range n {
		out[i] = float64(sampleAt(c.PCM, i)) / 32768
	}
	return out
}

// FromSamples builds a clip of format f from interleaved float samples.
func FromSamples(f Format, samples []float64) Clip {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(pcm, i, floatToSample(s))
	}
	return Clip{Format: f, PCM: pcm}
}

// Peak returns the largest absolute sample value in c, normalised to [0, 1].
func Peak(c Clip) float64 {
	var peak int
	for i := range len(c.PCM) / 2 {
		s := int(sampleAt(c.PCM, i))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float64(peak) / 32768
}

// PeakDBFS returns the peak level of c in dBFS, or -Inf for silence.
func PeakDBFS(c Clip) float64 {
	p := Peak(c)
	if p == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(p)
}

// Gain scales every sample of c by db decibels.
func Gain(c Clip, db float64) Clip {
	if db == 0 {
		return c
	}
	g := dbToLinear(db)
	out := make([]byte, len(c.PCM))
	for i := range len(c.PCM) / 2 {
		putSample(out, i, floatToSample(float64(sampleAt(c.PCM, i))/32768*g))
	}
	return Clip{Format: c.Format, PCM: out}
}

// Normalize applies the gain that brings the peak of c to -headroomDB dBFS.
// Silent clips are returned unchanged.
func Normalize(c Clip, headroomDB float64) Clip {
	peak := PeakDBFS(c)
	if math.IsInf(peak, -1) {
		return c
	}
	return Gain(c, -headroomDB-peak)
}

// Compress applies a feed-forward peak compressor to c. Channels share one
// envelope so the stereo image does not shift under gain reduction.
func Compress(c Clip, cfg CompressorConfig) (Clip, error) {
	if cfg.Ratio < 1 {
		return Clip{}, fmt.Errorf("audio: compress: ratio %.2f must be >= 1", cfg.Ratio)
	}
	if c.Channels <= 0 || c.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: compress: invalid format %s", formatString(c.SampleRate, c.Channels))
	}
	attack := envelopeCoef(cfg.Attack, c.SampleRate)
	release := envelopeCoef(cfg.Release, c.SampleRate)
	slope := 1 - 1/cfg.Ratio

	samples := c.Samples()
	var env float64
	for f := 0; f+c.Channels <= len(samples); f += c.Channels {
		var level float64
		for ch := range c.Channels {
			level = max(level, math.Abs(samples[f+ch]))
		}
		if level > env {
			env = attack*env + (1-attack)*level
		} else {
			env = release*env + (1-release)*level
		}
		if env <= 0 {
			continue
		}
		over := 20*math.Log10(env) - cfg.ThresholdDB
		if over <= 0 {
			continue
		}
		g := dbToLinear(-over * slope)
		for ch := range c.Channels {
			samples[f+ch] *= g
		}
	}
	return FromSamples(c.Format, samples), nil
}

// ChangeTempo changes the playback rate of c by speed while keeping its pitch,
// using windowed overlap-add. A speed of 1 returns c unchanged; 1.1 plays
// 10% faster. Clips shorter than one analysis window are returned unchanged.
func ChangeTempo(c Clip, speed float64) (Clip, error) {
	if speed == 1 {
		return c, nil
	}
	if speed < MinTempo || speed > MaxTempo || math.IsNaN(speed) {
		return Clip{}, fmt.Errorf("audio: tempo %.2f outside [%.2f, %.2f]", speed, MinTempo, MaxTempo)
	}
	if c.Channels <= 0 || c.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("audio: tempo: invalid format %s", formatString(c.SampleRate, c.Channels))
	}

	frame := int(int64(c.SampleRate) * int64(tempoFrame) / int64(time.Second))
	frames := c.Frames()
	if frame < 4 || frames < frame {
		return c, nil
	}
	hopOut := frame / 2
	hopIn := float64(hopOut) * speed
	outFrames := int(math.Round(float64(frames) / speed))

	window := make([]float64, frame)
	for n := range frame {
		window[n] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(n)/float64(frame))
	}

	in := c.Samples()
	out := make([]float64, (outFrames+frame)*c.Channels)
	norm := make([]float64, outFrames+frame)

	for k := 0; ; k++ {
		dst := k * hopOut
		if dst >= outFrames {
			break
		}
		src := int(math.Round(float64(k) * hopIn))
		if src+frame > frames {
			src = frames - frame
		}
		for n := range frame {
			w := window[n]
			norm[dst+n] += w
			for ch := range c.Channels {
				out[(dst+n)*c.Channels+ch] += in[(src+n)*c.Channels+ch] * w
			}
		}
	}

	for i := range outFrames {
		if norm[i] < 1e-3 {
			continue
		}
		for ch := range c.Channels {
			out[i*c.Channels+ch] /= norm[i]
		}
	}
	return FromSamples(c.Format, out[:outFrames*c.Channels]), nil
}

// LowerPitch reinterprets c as if it had been recorded at factor times its
// sample rate and resamples the result back to the original rate. Factors
// below 1 lower the pitch and lengthen the clip proportionally.
func LowerPitch(c Clip, factor float64) (Clip, error) {
	if factor <= 0 || factor > 1 {
		return Clip{}, fmt.Errorf("audio: pitch factor %.2f outside (0, 1]", factor)
	}
	if factor == 1 {
		return c, nil
	}
	virtual := Clip{
		Format: Format{SampleRate: int(float64(c.SampleRate) * factor), Channels: c.Channels},
		PCM:    c.PCM,
	}
	return Convert(virtual, c.Format)
}

// Overlay mixes over into base starting at offset. The result has the length
// of base; the part of over that extends past the end of base is dropped.
func Overlay(base, over Clip, offset time.Duration) (Clip, error) {
	if base.Format != over.Format {
		return Clip{}, fmt.Errorf("%w: %s vs %s", ErrFormatMismatch,
			formatString(base.SampleRate, base.Channels),
			formatString(over.SampleRate, over.Channels))
	}
	start := int(int64(base.SampleRate)*int64(offset)/int64(time.Second)) * base.Channels
	out := make([]byte, len(base.PCM))
	copy(out, base.PCM)

	total := len(base.PCM) / 2
	for i := range len(over.PCM) / 2 {
		j := start + i
		if j >= total {
			break
		}
		mixed := int32(sampleAt(out, j)) + int32(sampleAt(over.PCM, i))
		putSample(out, j, int16(max(math.MinInt16, min(math.MaxInt16, mixed))))
	}
	return Clip{Format: base.Format, PCM: out}, nil
}

// Echo overlays a copy of c attenuated by gainDB and delayed by delay.
func Echo(c Clip, delay time.Duration, gainDB float64) (Clip, error) {
	return Overlay(c, Gain(c, gainDB), delay)
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// envelopeCoef returns the one-pole smoothing coefficient for time constant d.
func envelopeCoef(d time.Duration, rate int) float64 {
	if d <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(rate)))
}
