package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/luavoice/pkg/audio"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] that fails over across cloud TTS services,
// each behind its own circuit breaker. It backs the basic synthesis tier.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ Gate         = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] that tries primary first.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends provider to the failover order.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports every wrapped provider in failover order.
func (f *TTSFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Ready returns nil while at least one provider could be tried. Once every
// breaker is open it returns an error wrapping [ErrAllFailed], so the basic
// tier is skipped instead of waiting on services known to be down.
func (f *TTSFallback) Ready() error {
	for _, st := range f.group.Status() {
		if st.Ready == nil && st.Breaker != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every TTS provider is unavailable", ErrAllFailed)
}

// Synthesize renders req with the first provider that succeeds. It stops as
// soon as ctx is done.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (audio.Clip, error) {
	return ExecuteWithResultContext(ctx, f.group, func(p tts.Provider) (audio.Clip, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices returns the voices of the first provider that answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResultContext(ctx, f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// CloneVoice clones with the first provider that supports it. Providers
// answering [tts.ErrNotSupported] are passed over.
func (f *TTSFallback) CloneVoice(ctx context.Context, samples [][]byte) (*tts.VoiceProfile, error) {
	return ExecuteWithResultContext(ctx, f.group, func(p tts.Provider) (*tts.VoiceProfile, error) {
		return p.CloneVoice(ctx, samples)
	})
}
