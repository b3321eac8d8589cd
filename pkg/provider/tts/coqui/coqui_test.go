package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal RIFF/WAVE byte slice (22050 Hz mono, 16-bit)
// containing the supplied raw PCM samples.
func buildTestWAV(pcm []byte) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 44, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1)     // PCM format
	le.PutUint16(buf[22:24], 1)     // mono
	le.PutUint32(buf[24:28], 22050) // sample rate
	le.PutUint32(buf[28:32], 44100) // byte rate
	le.PutUint16(buf[32:34], 2)     // block align
	le.PutUint16(buf[34:36], 16)    // bits per sample
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(len(pcm)))
	return append(buf, pcm...)
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:8002")
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
		if p.Mode() != APIModeStandard {
			t.Errorf("default mode = %q, want %q", p.Mode(), APIModeStandard)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002/")
		if p.serverURL != "http://localhost:8002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("unknown mode returns error", func(t *testing.T) {
		if _, err := New("http://localhost:8002", WithAPIMode("bark")); err == nil {
			t.Fatal("expected error for unknown mode, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
			WithAPIMode(APIModeXTTS),
		)
		if p.language != "de" {
			t.Errorf("language = %q, want %q", p.language, "de")
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, 5*time.Second)
		}
		if p.apiMode != APIModeXTTS {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeXTTS)
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x10, 0x00, 0x20, 0x00, 0x30, 0x00}
	bodies := make(chan ttsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsEndpoint || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req ttsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bodies <- req
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildTestWAV(wantPCM))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	clip, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Olá, tudo bem?",
		Voice: tts.VoiceProfile{ID: "reference_voice"},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.SampleRate != 22050 || clip.Channels != 1 {
		t.Errorf("format = %dHz %dch, want 22050Hz mono", clip.SampleRate, clip.Channels)
	}
	if string(clip.PCM) != string(wantPCM) {
		t.Errorf("PCM = %v, want %v", clip.PCM, wantPCM)
	}
	got := <-bodies
	if got.Text != "Olá, tudo bem?" || got.SpeakerWav != "reference_voice" || got.Language != "pt" {
		t.Errorf("request body = %+v", got)
	}
}

func TestSynthesize_XTTS_EmptyVoiceID(t *testing.T) {
	p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if err == nil {
		t.Fatal("expected error for empty voice ID in XTTS mode, got nil")
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q does not have 'coqui:' prefix", err.Error())
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := mustNew(t, "http://localhost:8002")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "  "}); err == nil {
		t.Fatal("expected error for blank text, got nil")
	}
}

func TestSynthesize_StandardAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		req         tts.Request
		wantSpeaker string
		wantLang    string
	}{
		{"with speaker", tts.Request{Text: "Hello world.", Voice: tts.VoiceProfile{ID: "p225"}, Language: "en"}, "p225", "en"},
		{"default speaker and language", tts.Request{Text: "Olá."}, "", "pt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			queries := make(chan url.Values, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != apiTTSEndpoint || r.Method != http.MethodGet {
					http.NotFound(w, r)
					return
				}
				queries <- r.URL.Query()
				w.Header().Set("Content-Type", "audio/wav")
				_, _ = w.Write(buildTestWAV(make([]byte, 80)))
			}))
			defer srv.Close()

			p := mustNew(t, srv.URL)
			clip, err := p.Synthesize(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if clip.Frames() != 40 {
				t.Errorf("frames = %d, want 40", clip.Frames())
			}
			query := <-queries
			if got := query.Get("text"); got != tc.req.Text {
				t.Errorf("text = %q, want %q", got, tc.req.Text)
			}
			if got := query.Get("speaker_id"); got != tc.wantSpeaker {
				t.Errorf("speaker_id = %q, want %q", got, tc.wantSpeaker)
			}
			if got := query.Get("language_id"); got != tc.wantLang {
				t.Errorf("language_id = %q, want %q", got, tc.wantLang)
			}
		})
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello."})
	if err == nil {
		t.Fatal("expected error on server failure, got nil")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "model exploded") {
		t.Errorf("error %q should carry status and body", err)
	}
}

func TestSynthesize_InvalidWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not a wav"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello."}); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Synthesize(ctx, tts.Request{Text: "Hello."})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

// ---- ListVoices ----

func TestListVoices_XTTS(t *testing.T) {
	rawResp := map[string]any{
		"speaker_bob":   map[string]any{"type": "studio"},
		"speaker_alice": map[string]any{"type": "studio"},
	}
	data, _ := json.Marshal(rawResp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	// Sorted order: alice before bob.
	if voices[0].ID != "speaker_alice" || voices[1].ID != "speaker_bob" {
		t.Errorf("voices = %q, %q; want sorted", voices[0].ID, voices[1].ID)
	}
	for _, v := range voices {
		if v.Provider != "coqui" {
			t.Errorf("voice %q Provider = %q, want coqui", v.ID, v.Provider)
		}
		if v.Metadata["type"] != "studio" {
			t.Errorf("voice %q metadata type = %q, want studio", v.ID, v.Metadata["type"])
		}
	}
}

func TestListVoices_StandardAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		details detailsResponse
		wantIDs []string
	}{
		{
			name:    "multi-speaker model",
			details: detailsResponse{ModelName: "tts_models/multilingual/vits", Speakers: []string{"p227", "female_pt", "p225"}},
			wantIDs: []string{"female_pt", "p225", "p227"},
		},
		{
			name:    "single-speaker model",
			details: detailsResponse{ModelName: "tts_models/pt/cv/vits"},
			wantIDs: []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, _ := json.Marshal(tc.details)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != detailsEndpoint {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(data)
			}))
			defer srv.Close()

			p := mustNew(t, srv.URL)
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if voices == nil {
				t.Fatal("ListVoices returned nil slice")
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, v := range voices {
				if v.ID != tc.wantIDs[i] {
					t.Errorf("voices[%d].ID = %q, want %q", i, v.ID, tc.wantIDs[i])
				}
				if v.Metadata["model_name"] != tc.details.ModelName {
					t.Errorf("voices[%d] model_name = %q", i, v.Metadata["model_name"])
				}
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.ListVoices(context.Background())
	if err == nil {
		t.Fatal("expected error on server failure, got nil")
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q missing 'coqui:' prefix", err.Error())
	}
}

func TestListVoices_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	p := mustNew(t, addr, WithTimeout(time.Second))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error for closed server, got nil")
	}
}

// ---- CloneVoice ----

func TestCloneVoice_EmptySamples(t *testing.T) {
	p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
	if _, err := p.CloneVoice(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil samples")
	}
	if _, err := p.CloneVoice(context.Background(), [][]byte{}); err == nil {
		t.Fatal("expected error for empty samples")
	}
}

func TestCloneVoice_MockServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cloneSpeakerEndpoint || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "parse multipart: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(r.MultipartForm.File["wav_files"]) != 2 {
			http.Error(w, "want two wav_files", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cloneSpeakerResponse{Name: "cloned_voice", Status: "ok"})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	samples := [][]byte{
		buildTestWAV([]byte{0xAA, 0xBB}),
		buildTestWAV([]byte{0xCC, 0xDD}),
	}

	profile, err := p.CloneVoice(context.Background(), samples)
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if profile.ID != "cloned_voice" {
		t.Errorf("profile.ID = %q, want %q", profile.ID, "cloned_voice")
	}
	if profile.Metadata["type"] != "cloned" {
		t.Errorf("metadata type = %q, want cloned", profile.Metadata["type"])
	}
}

func TestCloneVoice_MissingName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	if _, err := p.CloneVoice(context.Background(), [][]byte{buildTestWAV(nil)}); err == nil {
		t.Fatal("expected error for response without name")
	}
}

func TestCloneVoice_StandardAPI_NotSupported(t *testing.T) {
	t.Parallel()

	p := mustNew(t, "http://localhost:5002", WithAPIMode(APIModeStandard))
	_, err := p.CloneVoice(context.Background(), [][]byte{buildTestWAV([]byte{0x01, 0x02})})
	if !errors.Is(err, tts.ErrNotSupported) {
		t.Fatalf("err = %v, want tts.ErrNotSupported", err)
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q missing 'coqui:' prefix", err.Error())
	}
}
