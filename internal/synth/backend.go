// Package synth turns text into raw speech audio through a prioritised list
// of synthesis backends.
//
// Three backend tiers exist: a voice-cloning neural model that speaks with the
// extracted reference voice, a non-cloning neural model, and a basic cloud TTS
// fallback. Backend capabilities are detected once when the backend is built;
// the [Chain] then tries each ready tier in order until one produces audio.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/MrWong99/luavoice/internal/emotion"
	"github.com/MrWong99/luavoice/internal/reference"
	"github.com/MrWong99/luavoice/internal/resilience"
	"github.com/MrWong99/luavoice/pkg/audio"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

// Tier identifies which backend produced a result.
type Tier string

const (
	TierCloning  Tier = "cloning"
	TierStandard Tier = "standard"
	TierBasic    Tier = "basic"

	// TierCached marks results served from the result cache. No backend
	// carries it.
	TierCached Tier = "cached"
)

// String implements [fmt.Stringer].
func (t Tier) String() string { return string(t) }

var (
	// ErrPreconditionUnmet is returned by [Backend.Ready] when the backend
	// cannot be used, e.g. because its model is unreachable.
	ErrPreconditionUnmet = errors.New("synth: precondition unmet")

	// ErrSynthesisFailed wraps every error raised while a ready backend
	// renders speech.
	ErrSynthesisFailed = errors.New("synth: synthesis failed")

	// ErrAllTiersFailed is returned by [Chain.Run] when no tier produced audio.
	ErrAllTiersFailed = errors.New("synth: all tiers failed")
)

// Job is one unit of synthesis work.
type Job struct {
	// Text is the utterance to speak. Must not be empty.
	Text string

	// Language is a BCP-47 language code, e.g. "pt".
	Language string

	// Profile is the resolved emotion profile of the request. Backends only
	// log it; the prosody is applied during post-processing.
	Profile emotion.Profile

	// OutPath is where the raw WAV output is written.
	OutPath string
}

// Backend is one synthesis tier.
type Backend interface {
	// Tier reports which tier this backend implements.
	Tier() Tier

	// Ready returns nil when the backend may be called. Non-nil errors wrap
	// [ErrPreconditionUnmet].
	Ready() error

	// Synthesize renders job.Text and writes 16-bit PCM WAV to job.OutPath,
	// returning that path. Errors wrap [ErrSynthesisFailed].
	Synthesize(ctx context.Context, job Job) (string, error)
}

// femaleMarkers are the lowercase substrings that identify a female speaker
// in a model's speaker list.
var femaleMarkers = []string{"female", "woman", "f_"}

// PickFemaleSpeaker returns the first voice whose lowercased name contains a
// female marker. ok is false when no voice matches.
func PickFemaleSpeaker(voices []tts.VoiceProfile) (v tts.VoiceProfile, ok bool) {
	for _, voice := range voices {
		name := strings.ToLower(voice.Name)
		for _, m := range femaleMarkers {
			if strings.Contains(name, m) {
				return voice, true
			}
		}
	}
	return tts.VoiceProfile{}, false
}

// ModelBackend is a tier backed by a locally hosted neural model, either the
// cloning or the standard variant. Every model backend built from the same
// mutex is serialised: the model is never invoked in parallel.
type ModelBackend struct {
	tier     Tier
	provider tts.Provider
	voice    tts.VoiceProfile
	mu       *sync.Mutex
	err      error
}

var _ Backend = (*ModelBackend)(nil)

// DetectCloning probes the cloning model by registering ref with it. The
// returned backend is never nil; when the model is absent, ref is nil or
// registration fails, its Ready method reports why.
func DetectCloning(ctx context.Context, p tts.Provider, ref *reference.Voice, mu *sync.Mutex) *ModelBackend {
	b := &ModelBackend{tier: TierCloning, provider: p, mu: mu}
	switch {
	case p == nil:
		b.err = fmt.Errorf("%w: no cloning model configured", ErrPreconditionUnmet)
	case ref == nil:
		b.err = fmt.Errorf("%w: no reference voice", ErrPreconditionUnmet)
	default:
		b.err = b.register(ctx, ref)
	}
	logDetection(b)
	return b
}

func (b *ModelBackend) register(ctx context.Context, ref *reference.Voice) error {
	sample, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("%w: read reference voice: %w", ErrPreconditionUnmet, err)
	}
	b.mu.Lock()
	voice, err := b.provider.CloneVoice(ctx, [][]byte{sample})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: register reference voice: %w", ErrPreconditionUnmet, err)
	}
	if voice == nil || voice.ID == "" {
		return fmt.Errorf("%w: model returned no voice id", ErrPreconditionUnmet)
	}
	b.voice = *voice
	return nil
}

// DetectStandard probes the standard model by listing its speakers. When the
// model exposes speakers, the first female one is selected; otherwise the
// model's default voice is used.
func DetectStandard(ctx context.Context, p tts.Provider, mu *sync.Mutex) *ModelBackend {
	b := &ModelBackend{tier: TierStandard, provider: p, mu: mu}
	if p == nil {
		b.err = fmt.Errorf("%w: no standard model configured", ErrPreconditionUnmet)
		logDetection(b)
		return b
	}
	b.mu.Lock()
	voices, err := p.ListVoices(ctx)
	b.mu.Unlock()
	if err != nil {
		b.err = fmt.Errorf("%w: model unreachable: %w", ErrPreconditionUnmet, err)
	} else if v, ok := PickFemaleSpeaker(voices); ok {
		b.voice = v
	}
	logDetection(b)
	return b
}

func logDetection(b *ModelBackend) {
	if b.err != nil {
		slog.Warn("synth: tier disabled", "tier", b.tier, "reason", b.err)
		return
	}
	slog.Info("synth: tier ready", "tier", b.tier, "voice", b.voice.ID)
}

// Tier implements [Backend].
func (b *ModelBackend) Tier() Tier { return b.tier }

// Ready implements [Backend].
func (b *ModelBackend) Ready() error { return b.err }

// Voice returns the voice used for synthesis. The zero value means the
// model's default voice.
func (b *ModelBackend) Voice() tts.VoiceProfile { return b.voice }

// Synthesize implements [Backend].
func (b *ModelBackend) Synthesize(ctx context.Context, job Job) (string, error) {
	if err := b.Ready(); err != nil {
		return "", err
	}
	req := tts.Request{Text: job.Text, Language: job.Language, Voice: b.voice}

	b.mu.Lock()
	clip, err := b.provider.Synthesize(ctx, req)
	b.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSynthesisFailed, b.tier, err)
	}
	return writeRaw(b.tier, job, clip)
}

// BasicBackend is the cloud TTS fallback tier. It never clones and does not
// take the model mutex.
type BasicBackend struct {
	provider tts.Provider
}

var _ Backend = (*BasicBackend)(nil)

// NewBasic returns the basic tier over p. A nil p yields a backend that is
// never ready.
func NewBasic(p tts.Provider) *BasicBackend {
	return &BasicBackend{provider: p}
}

// Tier implements [Backend].
func (b *BasicBackend) Tier() Tier { return TierBasic }

// Ready implements [Backend]. Providers that gate themselves, such as a
// [resilience.TTSFallback] whose breakers are all open, are consulted too.
func (b *BasicBackend) Ready() error {
	if b.provider == nil {
		return fmt.Errorf("%w: no basic TTS provider configured", ErrPreconditionUnmet)
	}
	if g, ok := b.provider.(resilience.Gate); ok {
		if err := g.Ready(); err != nil {
			return fmt.Errorf("%w: %w", ErrPreconditionUnmet, err)
		}
	}
	return nil
}

// Synthesize implements [Backend].
func (b *BasicBackend) Synthesize(ctx context.Context, job Job) (string, error) {
	if err := b.Ready(); err != nil {
		return "", err
	}
	clip, err := b.provider.Synthesize(ctx, tts.Request{Text: job.Text, Language: job.Language})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSynthesisFailed, TierBasic, err)
	}
	return writeRaw(TierBasic, job, clip)
}

func writeRaw(tier Tier, job Job, clip audio.Clip) (string, error) {
	if clip.Empty() {
		return "", fmt.Errorf("%w: %s: backend returned no audio", ErrSynthesisFailed, tier)
	}
	if err := audio.WriteWAVFile(job.OutPath, clip); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSynthesisFailed, tier, err)
	}
	slog.Debug("synth: raw audio written",
		"tier", tier,
		"emotion", job.Profile.Tag,
		"path", job.OutPath,
		"duration", clip.Duration(),
	)
	return job.OutPath, nil
}
