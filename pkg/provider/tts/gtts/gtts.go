// Package gtts provides a tts.Provider backed by the Google Translate
// text-to-speech endpoint, the same service the gTTS command-line tool uses.
//
// The endpoint accepts at most 100 characters per request and answers with
// MP3. Longer text is split at sentence and clause boundaries, each piece is
// fetched in order, and the decoded clips are concatenated.
//
// No API key is required. Voice selection and cloning are not available; the
// voice is determined by the language code alone.
package gtts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/luavoice/pkg/audio"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL  = "https://translate.google.com"
	defaultLanguage = "pt"
	defaultTimeout  = 15 * time.Second
	ttsEndpoint     = "/translate_tts"
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) luavoice"

	// MaxChunk is the longest piece of text, in characters, sent per request.
	MaxChunk = 100
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the service base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithLanguage sets the default language code ("pt", "en", "pt-BR", ...).
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider against Google Translate TTS.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

// New creates a Provider with the given options applied.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		baseURL:    defaultBaseURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.language == "" {
		return nil, errors.New("gtts: language must not be empty")
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return nil, fmt.Errorf("gtts: invalid base URL: %w", err)
	}
	return p, nil
}

// Synthesize fetches req.Text in chunks of at most [MaxChunk] characters and
// returns the concatenated audio at the service's native format.
// req.Voice is ignored.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (audio.Clip, error) {
	chunks := Chunks(req.Text, MaxChunk)
	if len(chunks) == 0 {
		return audio.Clip{}, errors.New("gtts: text must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	clips := make([]audio.Clip, 0, len(chunks))
	for i, chunk := range chunks {
		clip, err := p.fetch(ctx, chunk, lang, i, len(chunks))
		if err != nil {
			return audio.Clip{}, fmt.Errorf("gtts: chunk %d/%d: %w", i+1, len(chunks), err)
		}
		clips = append(clips, clip)
	}
	out, err := audio.Concat(clips...)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("gtts: %w", err)
	}
	return out, nil
}

func (p *Provider) fetch(ctx context.Context, text, lang string, idx, total int) (audio.Clip, error) {
	params := url.Values{}
	params.Set("ie", "UTF-8")
	params.Set("q", text)
	params.Set("tl", lang)
	params.Set("client", "tw-ob")
	params.Set("total", strconv.Itoa(total))
	params.Set("idx", strconv.Itoa(idx))
	params.Set("textlen", strconv.Itoa(utf8.RuneCountInString(text)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+ttsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("GET %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, fmt.Errorf("GET %s returned status %d", ttsEndpoint, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("read response: %w", err)
	}
	clip, err := audio.DecodeMP3(bytes.NewReader(data))
	if err != nil {
		return audio.Clip{}, err
	}
	return clip, nil
}

// ListVoices returns an empty list: the service has no selectable speakers.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return []tts.VoiceProfile{}, nil
}

// CloneVoice always fails with tts.ErrNotSupported.
func (p *Provider) CloneVoice(context.Context, [][]byte) (*tts.VoiceProfile, error) {
	return nil, fmt.Errorf("gtts: clone voice: %w", tts.ErrNotSupported)
}

// Chunks splits text into pieces of at most max characters. Cuts prefer, in
// order: the end of a sentence, the end of a clause, whitespace. A run without
// any of those is cut hard at max. Pieces are trimmed and empty ones dropped.
func Chunks(text string, max int) []string {
	var out []string
	rest := []rune(strings.TrimSpace(text))
	for len(rest) > 0 {
		if len(rest) <= max {
			out = appendPiece(out, rest)
			break
		}
		cut := cutPoint(rest[:max+1])
		out = appendPiece(out, rest[:cut])
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	return out
}

// cutPoint returns the length of the first piece of window, which holds one
// rune more than the maximum so a boundary right at the limit is seen.
func cutPoint(window []rune) int {
	limit := len(window) - 1
	for _, isBoundary := range []func(rune) bool{isSentenceEnd, isClauseEnd} {
		for i := limit - 1; i > 0; i-- {
			if isBoundary(window[i]) && unicode.IsSpace(window[i+1]) {
				return i + 1
			}
		}
	}
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return limit
}

func appendPiece(out []string, piece []rune) []string {
	if s := strings.TrimSpace(string(piece)); s != "" {
		out = append(out, s)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isClauseEnd(r rune) bool {
	switch r {
	case ',', ';', ':', '—', '–', ')':
		return true
	}
	return false
}
