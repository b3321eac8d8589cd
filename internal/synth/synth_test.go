package synth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/luavoice/internal/emotion"
	"github.com/MrWong99/luavoice/internal/reference"
	"github.com/MrWong99/luavoice/internal/resilience"
	"github.com/MrWong99/luavoice/internal/synth"
	"github.com/MrWong99/luavoice/pkg/audio"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
	"github.com/MrWong99/luavoice/pkg/provider/tts/mock"
)

var errBoom = errors.New("boom")

// writeReference prepares a reference voice file in dir.
func writeReference(t *testing.T, dir string) *reference.Voice {
	t.Helper()
	path := filepath.Join(dir, "reference_voice.wav")
	if err := audio.WriteWAVFile(path, mock.Tone(22050, 100*time.Millisecond)); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	return &reference.Voice{SourcePath: "src.mp3", Path: path, Format: reference.Target}
}

func job(t *testing.T) synth.Job {
	t.Helper()
	return synth.Job{
		Text:     "Olá, eu sou a LUA.",
		Language: "pt",
		Profile:  emotion.For("friendly"),
		OutPath:  filepath.Join(t.TempDir(), "out.raw.wav"),
	}
}

func TestPickFemaleSpeaker(t *testing.T) {
	tests := []struct {
		name   string
		voices []string
		want   string
		ok     bool
	}{
		{"none", nil, "", false},
		{"no match", []string{"Male_1", "Narrator"}, "", false},
		{"female keyword", []string{"Male_1", "Female_2", "female_3"}, "Female_2", true},
		{"woman keyword", []string{"Old Man", "Young Woman"}, "Young Woman", true},
		{"f_ prefix", []string{"m_01", "F_02"}, "F_02", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var voices []tts.VoiceProfile
			for _, n := range tc.voices {
				voices = append(voices, tts.VoiceProfile{ID: n, Name: n})
			}
			got, ok := synth.PickFemaleSpeaker(voices)
			if ok != tc.ok || got.Name != tc.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got.Name, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestDetectCloning_Preconditions(t *testing.T) {
	ctx := context.Background()
	ref := writeReference(t, t.TempDir())

	tests := []struct {
		name string
		p    tts.Provider
		ref  *reference.Voice
	}{
		{"no model", nil, ref},
		{"no reference", &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{ID: "lua"}}, nil},
		{"missing reference file", &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{ID: "lua"}},
			&reference.Voice{Path: filepath.Join(t.TempDir(), "missing.wav")}},
		{"registration fails", &mock.Provider{CloneVoiceErr: errBoom}, ref},
		{"no voice id", &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{}}, ref},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := synth.DetectCloning(ctx, tc.p, tc.ref, &sync.Mutex{})
			if !errors.Is(b.Ready(), synth.ErrPreconditionUnmet) {
				t.Fatalf("Ready() = %v, want ErrPreconditionUnmet", b.Ready())
			}
			if _, err := b.Synthesize(ctx, job(t)); !errors.Is(err, synth.ErrPreconditionUnmet) {
				t.Errorf("Synthesize err = %v, want ErrPreconditionUnmet", err)
			}
		})
	}
}

func TestDetectCloning_Synthesize(t *testing.T) {
	ctx := context.Background()
	ref := writeReference(t, t.TempDir())
	p := &mock.Provider{
		CloneVoiceResult: &tts.VoiceProfile{ID: "lua", Name: "LUA", Provider: "coqui"},
		SynthesizeResult: mock.Tone(24000, 200*time.Millisecond),
	}

	b := synth.DetectCloning(ctx, p, ref, &sync.Mutex{})
	if err := b.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if b.Tier() != synth.TierCloning {
		t.Errorf("Tier = %s, want cloning", b.Tier())
	}
	if len(p.CloneVoiceCalls) != 1 || len(p.CloneVoiceCalls[0].Samples) != 1 {
		t.Fatalf("expected one CloneVoice call with one sample, got %+v", p.CloneVoiceCalls)
	}

	j := job(t)
	path, err := b.Synthesize(ctx, j)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if path != j.OutPath {
		t.Errorf("path = %q, want %q", path, j.OutPath)
	}
	clip, err := audio.ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if clip.SampleRate != 24000 || clip.Frames() != 4800 {
		t.Errorf("raw clip = %dHz %d frames, want 24000Hz 4800 frames", clip.SampleRate, clip.Frames())
	}

	req := p.SynthesizeCalls[0].Request
	if req.Voice.ID != "lua" || req.Language != "pt" || req.Text != j.Text {
		t.Errorf("request = %+v", req)
	}
}

func TestDetectStandard(t *testing.T) {
	ctx := context.Background()

	t.Run("picks female speaker", func(t *testing.T) {
		p := &mock.Provider{ListVoicesResult: []tts.VoiceProfile{
			{ID: "p225", Name: "male_deep"},
			{ID: "p226", Name: "female_warm"},
		}}
		b := synth.DetectStandard(ctx, p, &sync.Mutex{})
		if err := b.Ready(); err != nil {
			t.Fatalf("Ready: %v", err)
		}
		if b.Voice().ID != "p226" {
			t.Errorf("voice = %q, want p226", b.Voice().ID)
		}
	})

	t.Run("single speaker model", func(t *testing.T) {
		b := synth.DetectStandard(ctx, &mock.Provider{}, &sync.Mutex{})
		if err := b.Ready(); err != nil {
			t.Fatalf("Ready: %v", err)
		}
		if b.Voice().ID != "" {
			t.Errorf("voice = %q, want default", b.Voice().ID)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		b := synth.DetectStandard(ctx, &mock.Provider{ListVoicesErr: errBoom}, &sync.Mutex{})
		if !errors.Is(b.Ready(), synth.ErrPreconditionUnmet) {
			t.Errorf("Ready() = %v, want ErrPreconditionUnmet", b.Ready())
		}
		if !errors.Is(b.Ready(), errBoom) {
			t.Errorf("Ready() = %v, want cause preserved", b.Ready())
		}
	})

	t.Run("not configured", func(t *testing.T) {
		b := synth.DetectStandard(ctx, nil, &sync.Mutex{})
		if !errors.Is(b.Ready(), synth.ErrPreconditionUnmet) {
			t.Errorf("Ready() = %v, want ErrPreconditionUnmet", b.Ready())
		}
	})
}

func TestBasic(t *testing.T) {
	ctx := context.Background()

	if err := synth.NewBasic(nil).Ready(); !errors.Is(err, synth.ErrPreconditionUnmet) {
		t.Errorf("nil provider Ready() = %v, want ErrPreconditionUnmet", err)
	}

	p := &mock.Provider{SynthesizeResult: mock.Tone(24000, 50*time.Millisecond)}
	b := synth.NewBasic(p)
	j := job(t)
	if _, err := b.Synthesize(ctx, j); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := p.SynthesizeCalls[0].Request.Voice; got.ID != "" {
		t.Errorf("basic tier must not select a voice, got %+v", got)
	}

	p.SynthesizeErr = errBoom
	if _, err := b.Synthesize(ctx, j); !errors.Is(err, synth.ErrSynthesisFailed) || !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want ErrSynthesisFailed wrapping cause", err)
	}
}

func TestBasic_EmptyAudio(t *testing.T) {
	b := synth.NewBasic(&mock.Provider{})
	j := job(t)
	if _, err := b.Synthesize(context.Background(), j); !errors.Is(err, synth.ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
	if _, err := os.Stat(j.OutPath); !os.IsNotExist(err) {
		t.Errorf("raw file should not exist, stat err = %v", err)
	}
}

// tiers builds the standard three-tier list over the given providers.
func tiers(t *testing.T, cloning, standard, basic tts.Provider, ref *reference.Voice) []synth.Backend {
	t.Helper()
	ctx := context.Background()
	mu := &sync.Mutex{}
	return []synth.Backend{
		synth.DetectCloning(ctx, cloning, ref, mu),
		synth.DetectStandard(ctx, standard, mu),
		synth.NewBasic(basic),
	}
}

func TestNewChain_Empty(t *testing.T) {
	if _, err := synth.NewChain(nil); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestChain_NoReferenceUsesStandard(t *testing.T) {
	cloning := &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{ID: "lua"}, SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}
	standard := &mock.Provider{SynthesizeResult: mock.Tone(22050, 10*time.Millisecond)}
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}

	c, err := synth.NewChain(tiers(t, cloning, standard, basic, nil))
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Run(context.Background(), job(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Tier != synth.TierStandard {
		t.Errorf("tier = %s, want standard", out.Tier)
	}
	if cloning.SynthesizeCount() != 0 || basic.SynthesizeCount() != 0 {
		t.Errorf("unexpected calls: cloning=%d basic=%d", cloning.SynthesizeCount(), basic.SynthesizeCount())
	}
}

func TestChain_PrefersCloning(t *testing.T) {
	ref := writeReference(t, t.TempDir())
	cloning := &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{ID: "lua"}, SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}
	standard := &mock.Provider{SynthesizeResult: mock.Tone(22050, 10*time.Millisecond)}

	c, _ := synth.NewChain(tiers(t, cloning, standard, nil, ref))
	out, err := c.Run(context.Background(), job(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Tier != synth.TierCloning {
		t.Errorf("tier = %s, want cloning", out.Tier)
	}
	if !c.Ready(synth.TierCloning) || c.Ready(synth.TierBasic) {
		t.Error("unexpected tier readiness")
	}
}

func TestChain_FailureAdvances(t *testing.T) {
	standard := &mock.Provider{SynthesizeErr: errBoom}
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}

	c, _ := synth.NewChain(tiers(t, nil, standard, basic, nil))
	out, err := c.Run(context.Background(), job(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Tier != synth.TierBasic {
		t.Errorf("tier = %s, want basic", out.Tier)
	}
	if standard.SynthesizeCount() != 1 {
		t.Errorf("standard called %d times, want exactly 1", standard.SynthesizeCount())
	}
}

func TestChain_AllTiersFail(t *testing.T) {
	standard := &mock.Provider{SynthesizeErr: errBoom}
	basic := &mock.Provider{SynthesizeErr: errBoom}

	c, _ := synth.NewChain(tiers(t, nil, standard, basic, nil))
	j := job(t)
	_, err := c.Run(context.Background(), j)
	if !errors.Is(err, synth.ErrAllTiersFailed) {
		t.Fatalf("err = %v, want ErrAllTiersFailed", err)
	}
	if !errors.Is(err, synth.ErrSynthesisFailed) || !errors.Is(err, synth.ErrPreconditionUnmet) {
		t.Errorf("err = %v, want per-tier causes joined", err)
	}
	if _, statErr := os.Stat(j.OutPath); !os.IsNotExist(statErr) {
		t.Error("no artifact may exist after total failure")
	}
}

func TestChain_EmptyText(t *testing.T) {
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}
	c, _ := synth.NewChain(tiers(t, nil, nil, basic, nil))
	j := job(t)
	j.Text = ""
	if _, err := c.Run(context.Background(), j); !errors.Is(err, synth.ErrAllTiersFailed) {
		t.Fatalf("err = %v, want ErrAllTiersFailed", err)
	}
	if basic.SynthesizeCount() != 0 {
		t.Error("backend called for empty text")
	}
}

func TestChain_OpenBreakerSkipsTier(t *testing.T) {
	standard := &mock.Provider{SynthesizeErr: errBoom}
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}

	c, _ := synth.NewChain(tiers(t, nil, standard, basic, nil),
		synth.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	for range 3 {
		if _, err := c.Run(context.Background(), job(t)); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if got := standard.SynthesizeCount(); got != 1 {
		t.Errorf("standard called %d times, want 1 before the breaker opened", got)
	}

	status := c.Status()
	if len(status) != 3 {
		t.Fatalf("status has %d tiers, want 3", len(status))
	}
	if status[1].Tier != synth.TierStandard || status[1].Breaker != resilience.StateOpen || status[1].Available() {
		t.Errorf("standard status = %+v, want open breaker", status[1])
	}
	if status[0].Ready == nil || status[0].Available() {
		t.Errorf("cloning status = %+v, want unready", status[0])
	}
	if !status[2].Available() {
		t.Errorf("basic status = %+v, want available", status[2])
	}
}

func TestModelTiersShareMutex(t *testing.T) {
	ctx := context.Background()
	ref := writeReference(t, t.TempDir())

	var inflight, peak atomic.Int32
	synthesize := func(ctx context.Context, req tts.Request) (audio.Clip, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return mock.Tone(22050, 10*time.Millisecond), nil
	}
	cloning := &mock.Provider{CloneVoiceResult: &tts.VoiceProfile{ID: "lua"}, SynthesizeFunc: synthesize}
	standard := &mock.Provider{SynthesizeFunc: synthesize}

	mu := &sync.Mutex{}
	backends := []synth.Backend{
		synth.DetectCloning(ctx, cloning, ref, mu),
		synth.DetectStandard(ctx, standard, mu),
	}

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := synth.Job{Text: "x", Language: "pt", OutPath: filepath.Join(dir, string(rune('a'+i))+".wav")}
			if _, err := backends[i%2].Synthesize(ctx, j); err != nil {
				t.Errorf("Synthesize: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent model calls = %d, want 1", got)
	}
}

func TestChain_ContextCancelled(t *testing.T) {
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}
	c, _ := synth.NewChain(tiers(t, nil, nil, basic, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, job(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if basic.SynthesizeCount() != 0 {
		t.Error("backend called with cancelled context")
	}
}

func TestChain_CancellationKeepsBreakersClosed(t *testing.T) {
	var (
		cancel context.CancelFunc
		abort  = true
	)
	standard := &mock.Provider{SynthesizeFunc: func(ctx context.Context, _ tts.Request) (audio.Clip, error) {
		if !abort {
			return mock.Tone(22050, 10*time.Millisecond), nil
		}
		cancel()
		<-ctx.Done()
		return audio.Clip{}, ctx.Err()
	}}
	basic := &mock.Provider{SynthesizeResult: mock.Tone(24000, 10*time.Millisecond)}

	c, _ := synth.NewChain(tiers(t, nil, standard, basic, nil),
		synth.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	for range 5 {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		defer cancel()
		_, err := c.Run(ctx, job(t))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if errors.Is(err, synth.ErrAllTiersFailed) {
			t.Fatalf("err = %v, a cancelled run is not a tier exhaustion", err)
		}
	}
	if n := basic.SynthesizeCount(); n != 0 {
		t.Errorf("basic called %d times after the caller went away", n)
	}
	for _, st := range c.Status() {
		if st.Breaker != resilience.StateClosed {
			t.Errorf("%s breaker = %v, want closed", st.Tier, st.Breaker)
		}
	}

	abort = false
	out, err := c.Run(context.Background(), job(t))
	if err != nil {
		t.Fatalf("Run after cancellations: %v", err)
	}
	if out.Tier != synth.TierStandard {
		t.Errorf("tier = %s, want standard", out.Tier)
	}
}
