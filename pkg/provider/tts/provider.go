// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a local Coqui server, Google
// Translate TTS, OpenAI, ElevenLabs) and presents a uniform batch interface:
// one utterance in, one decoded [audio.Clip] out. Providers that stream
// internally collect the stream before returning.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/luavoice/pkg/audio"
)

// ErrNotSupported is returned by providers for optional operations they do not
// implement, such as voice cloning on a server without a cloning model.
var ErrNotSupported = errors.New("tts: operation not supported")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req.Text and returns the decoded audio. Compressed
	// responses (MP3) are decoded before returning, so the clip is always
	// 16-bit PCM.
	//
	// Returns an error if the provider cannot be reached, rejects the request,
	// or ctx is cancelled.
	Synthesize(ctx context.Context, req Request) (audio.Clip, error)

	// ListVoices returns all voice profiles available from this provider. An
	// empty list means the provider does not expose a finite speaker set.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// CloneVoice creates a new voice profile from the supplied WAV samples.
	// This is an expensive operation and should not be called in the hot path.
	// Providers without cloning support return an error wrapping
	// [ErrNotSupported]. A nil or empty samples slice returns an error.
	CloneVoice(ctx context.Context, samples [][]byte) (*VoiceProfile, error)
}

// Request is a single synthesis call.
type Request struct {
	// Text is the utterance to render. Must not be empty.
	Text string

	// Language is a BCP-47 style language code, e.g. "pt". Empty uses the
	// provider default.
	Language string

	// Voice selects the speaker. A zero value uses the provider default.
	Voice VoiceProfile
}
