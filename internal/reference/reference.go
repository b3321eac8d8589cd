// Package reference prepares the reference voice sample consumed by the
// cloning synthesis tier.
package reference

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/luavoice/pkg/audio"
)

// ErrUnavailable is wrapped by every extraction failure. An unavailable
// reference disables voice cloning for the lifetime of the process.
var ErrUnavailable = errors.New("reference: voice unavailable")

// Target is the format every prepared reference voice is written in.
var Target = audio.Format{SampleRate: 22050, Channels: 1}

// headroomDB is the peak level the source is normalised to before resampling.
const headroomDB = 0.1

// Voice describes a prepared reference sample on disk.
type Voice struct {
	// SourcePath is the file the sample was extracted from.
	SourcePath string

	// Path is the normalised mono WAV written by the extractor.
	Path string

	audio.Format
}

// Extractor converts a source recording into a [Voice] at a fixed output path.
// Extraction happens at most once; later calls return the first outcome.
type Extractor struct {
	out string

	once  sync.Once
	voice *Voice
	err   error
}

// NewExtractor returns an extractor that writes to outPath. The file is
// overwritten on each extraction attempt.
func NewExtractor(outPath string) *Extractor {
	return &Extractor{out: outPath}
}

// OutputPath returns the fixed path the prepared sample is written to.
func (e *Extractor) OutputPath() string { return e.out }

// Extract loads sourcePath, peak-normalises it, resamples to 22.05 kHz,
// downmixes to mono and writes the result to the output path. Only the first
// call does any work.
func (e *Extractor) Extract(sourcePath string) (*Voice, error) {
	e.once.Do(func() {
		e.voice, e.err = e.extract(sourcePath)
		if e.err != nil {
			slog.Warn("reference voice unavailable, cloning disabled", "source", sourcePath, "err", e.err)
			return
		}
		slog.Info("reference voice prepared", "source", sourcePath, "path", e.out)
	})
	return e.voice, e.err
}

func (e *Extractor) extract(sourcePath string) (*Voice, error) {
	if sourcePath == "" {
		return nil, fmt.Errorf("%w: no source configured", ErrUnavailable)
	}
	clip, err := audio.Load(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if clip.Empty() {
		return nil, fmt.Errorf("%w: source %q holds no audio", ErrUnavailable, sourcePath)
	}

	clip = audio.Normalize(clip, headroomDB)
	clip, err = audio.Convert(clip, audio.Format{SampleRate: Target.SampleRate})
	if err != nil {
		return nil, fmt.Errorf("%w: resample: %w", ErrUnavailable, err)
	}
	clip, err = audio.Convert(clip, audio.Format{Channels: Target.Channels})
	if err != nil {
		return nil, fmt.Errorf("%w: downmix: %w", ErrUnavailable, err)
	}

	if err := audio.WriteWAVFile(e.out, clip); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Voice{SourcePath: sourcePath, Path: e.out, Format: Target}, nil
}
