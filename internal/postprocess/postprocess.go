// Package postprocess applies the fixed mastering chain to raw synthesis
// output: emotion-driven tempo change, peak normalisation, compression and,
// for the basic cloud tier, a pitch drop with a short echo.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/luavoice/internal/emotion"
	"github.com/MrWong99/luavoice/internal/observe"
	"github.com/MrWong99/luavoice/internal/synth"
	"github.com/MrWong99/luavoice/pkg/audio"
)

// ErrProcessing wraps every pipeline failure. Callers treat it as non-fatal
// and keep the raw artifact.
var ErrProcessing = errors.New("postprocess: processing failed")

// Pipeline constants.
const (
	HeadroomDB     = 0.1
	BasicPitch     = 0.9
	BasicEchoDelay = 50 * time.Millisecond
	BasicEchoGain  = -8.0
)

// Processor runs the mastering chain. The zero value is ready to use.
type Processor struct {
	// Compressor overrides [audio.DefaultCompressor] when non-zero.
	Compressor audio.CompressorConfig

	// Metrics, when set, records pipeline latency and failures.
	Metrics *observe.Metrics
}

// New returns a Processor that records to m, which may be nil.
func New(m *observe.Metrics) *Processor {
	return &Processor{Metrics: m}
}

// Process reads rawPath, runs the pipeline for profile and tier and writes the
// artifact atomically to outPath, removing rawPath afterwards. On failure it
// returns rawPath unchanged together with an error wrapping [ErrProcessing].
func (p *Processor) Process(ctx context.Context, rawPath string, profile emotion.Profile, tier synth.Tier, outPath string) (string, error) {
	start := time.Now()
	path, err := p.process(rawPath, profile, tier, outPath)
	if p.Metrics != nil {
		p.Metrics.RecordPostProcess(ctx, tier.String(), time.Since(start), err != nil)
	}
	if err != nil {
		observe.Logger(ctx).Warn("postprocess: keeping raw audio", "path", rawPath, "err", err)
		return rawPath, fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return path, nil
}

func (p *Processor) process(rawPath string, profile emotion.Profile, tier synth.Tier, outPath string) (string, error) {
	clip, err := audio.ReadWAVFile(rawPath)
	if err != nil {
		return "", err
	}
	if clip.Empty() {
		return "", fmt.Errorf("%s: no audio", rawPath)
	}

	clip, err = p.Apply(clip, profile, tier)
	if err != nil {
		return "", err
	}
	if err := audio.WriteWAVFile(outPath, clip); err != nil {
		return "", err
	}
	if rawPath != outPath {
		if err := os.Remove(rawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Debug("postprocess: remove raw audio", "path", rawPath, "err", err)
		}
	}
	return outPath, nil
}

// Apply runs the pipeline on an in-memory clip.
func (p *Processor) Apply(clip audio.Clip, profile emotion.Profile, tier synth.Tier) (audio.Clip, error) {
	cfg := p.Compressor
	if cfg == (audio.CompressorConfig{}) {
		cfg = audio.DefaultCompressor
	}

	clip, err := audio.ChangeTempo(clip, profile.Speed)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("tempo: %w", err)
	}
	clip = audio.Normalize(clip, HeadroomDB)
	if clip, err = audio.Compress(clip, cfg); err != nil {
		return audio.Clip{}, fmt.Errorf("compress: %w", err)
	}

	if tier != synth.TierBasic {
		return clip, nil
	}
	if clip, err = audio.LowerPitch(clip, BasicPitch); err != nil {
		return audio.Clip{}, fmt.Errorf("pitch: %w", err)
	}
	if clip, err = audio.Echo(clip, BasicEchoDelay, BasicEchoGain); err != nil {
		return audio.Clip{}, fmt.Errorf("echo: %w", err)
	}
	return audio.Normalize(clip, HeadroomDB), nil
}
