// Package engine is the single entry point for speech generation.
//
// An [Engine] owns the result cache, the reference voice, the tiered
// synthesis chain and the post-processor. It is built once, initialised once,
// and then serves concurrent [Engine.GenerateSpeech] calls:
//
//	text + emotion → cache lookup → chain (cloning → standard → basic)
//	              → post-process → cache store → artifact path
//
// Capability detection happens exclusively in [Engine.Initialize]; the tier
// list is immutable afterwards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/luavoice/internal/cache"
	"github.com/MrWong99/luavoice/internal/emotion"
	"github.com/MrWong99/luavoice/internal/observe"
	"github.com/MrWong99/luavoice/internal/postprocess"
	"github.com/MrWong99/luavoice/internal/reference"
	"github.com/MrWong99/luavoice/internal/resilience"
	"github.com/MrWong99/luavoice/internal/synth"
	"github.com/MrWong99/luavoice/pkg/provider/tts"
)

var (
	// ErrNotReady is returned by calls made before [Engine.Initialize] has
	// completed.
	ErrNotReady = errors.New("engine: not ready")

	// ErrEmptyText is returned for requests without text.
	ErrEmptyText = errors.New("engine: empty text")

	// ErrAlreadyInitialized is returned by a second [Engine.Initialize] call.
	ErrAlreadyInitialized = errors.New("engine: already initialized")
)

// VoiceEngine is the speech-generation surface consumed by transports.
type VoiceEngine interface {
	GenerateSpeech(ctx context.Context, req Request) Result
	Status(ctx context.Context) Status
	ClearCache(ctx context.Context, olderThanHours int) (int, error)
}

var _ VoiceEngine = (*Engine)(nil)

// Request is a single speech generation request.
type Request struct {
	// Text is the utterance. Must not be blank.
	Text string

	// Emotion selects the prosody profile. Empty means [emotion.Default];
	// unknown labels use the default profile but keep their own cache key.
	Emotion string

	// UseCache enables cache lookup and store for this request.
	UseCache bool
}

// Result is the outcome of [Engine.GenerateSpeech]. Failures are reported in
// the value, never by panicking.
type Result struct {
	Success      bool       `json:"success"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	BackendUsed  synth.Tier `json:"backend_used,omitempty"`
	Emotion      string     `json:"emotion"`
	Error        string     `json:"error,omitempty"`

	// Err is the underlying error of a failed result, for errors.Is checks.
	Err error `json:"-"`
}

func failure(label string, err error) Result {
	return Result{Emotion: label, Error: err.Error(), Err: err}
}

// State is the lifecycle phase of an [Engine].
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Engine names reported in [Status.Engine].
const (
	EngineModel    = "Coqui TTS"
	EngineFallback = "Fallback"
)

// TierInfo describes one tier in a [Status] snapshot.
type TierInfo struct {
	Tier    synth.Tier `json:"tier"`
	Ready   bool       `json:"ready"`
	Reason  string     `json:"reason,omitempty"`
	Breaker string     `json:"breaker"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State          string `json:"state"`
	Engine         string `json:"engine"`
	BackendLoaded  bool   `json:"backend_loaded"`
	CloningEnabled bool   `json:"voice_cloning"`
	CacheSize      int    `json:"cache_size"`

	// ReferenceVoiceSource is the source file of the reference voice, or
	// "Default" when cloning has no reference.
	ReferenceVoiceSource string `json:"reference_voice"`

	Language   string     `json:"language"`
	Speaker    string     `json:"speaker"`
	VoiceStyle string     `json:"voice_style"`
	Tiers      []TierInfo `json:"tiers,omitempty"`
}

// Config holds everything an [Engine] is built from. Any provider may be nil;
// its tier then reports an unmet precondition.
type Config struct {
	// Cloning is the voice-cloning model (e.g. a Coqui XTTS server).
	Cloning tts.Provider

	// Standard is the non-cloning neural model.
	Standard tts.Provider

	// Basic is the cloud TTS fallback, typically a resilience.TTSFallback over
	// several providers.
	Basic tts.Provider

	// ReferenceSource is the recording the reference voice is extracted from.
	// Empty or missing disables cloning.
	ReferenceSource string

	// ReferencePath is where the prepared reference voice is written. It must
	// live outside CacheDir so eviction never removes it.
	ReferencePath string

	// CacheDir holds artifacts. Required.
	CacheDir string

	// Index overrides the in-process cache index.
	Index cache.Index

	// Language, Speaker and Style describe the voice. Defaults: "pt", "LUA",
	// "jarvis".
	Language string
	Speaker  string
	Style    string

	// Breaker configures the per-tier circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// Metrics, when set, receives engine, chain, cache and post-process
	// measurements.
	Metrics *observe.Metrics

	// Postprocess overrides the mastering chain. Default: postprocess.New
	// recording to Metrics.
	Postprocess *postprocess.Processor
}

// Engine implements [VoiceEngine]. Create with [New], then call
// [Engine.Initialize] exactly once.
type Engine struct {
	cfg   Config
	state atomic.Int32

	// Set during Initialize, read-only once state is Ready.
	cache    *cache.Cache
	chain    *synth.Chain
	post     *postprocess.Processor
	ref      *reference.Voice
	cloning  *synth.ModelBackend
	standard *synth.ModelBackend

	flight singleflight.Group
}

// New returns an uninitialised engine.
func New(cfg Config) *Engine {
	if cfg.Language == "" {
		cfg.Language = "pt"
	}
	if cfg.Speaker == "" {
		cfg.Speaker = "LUA"
	}
	if cfg.Style == "" {
		cfg.Style = "jarvis"
	}
	return &Engine{cfg: cfg}
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Initialize probes the models, extracts the reference voice and builds the
// tier list. Missing models never make it fail: they only disable their tier.
// It returns an error when called more than once or when the cache directory
// cannot be created.
func (e *Engine) Initialize(ctx context.Context) (Status, error) {
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return Status{}, ErrAlreadyInitialized
	}
	log := observe.Logger(ctx)
	log.Info("engine: initializing", "language", e.cfg.Language, "speaker", e.cfg.Speaker)

	c, err := cache.New(e.cfg.CacheDir, cache.WithIndex(e.cfg.Index), cache.WithMetrics(e.cfg.Metrics))
	if err != nil {
		e.state.Store(int32(StateUninitialized))
		return Status{}, fmt.Errorf("engine: %w", err)
	}
	e.cache = c
	e.ref = e.extractReference(ctx)

	mu := &sync.Mutex{}
	e.cloning = synth.DetectCloning(ctx, e.cfg.Cloning, e.ref, mu)
	e.standard = synth.DetectStandard(ctx, e.cfg.Standard, mu)
	backends := []synth.Backend{e.cloning, e.standard, synth.NewBasic(e.cfg.Basic)}

	opts := []synth.ChainOption{synth.WithBreaker(e.cfg.Breaker)}
	if e.cfg.Metrics != nil {
		opts = append(opts, synth.WithMetrics(e.cfg.Metrics))
	}
	if e.chain, err = synth.NewChain(backends, opts...); err != nil {
		e.state.Store(int32(StateUninitialized))
		return Status{}, fmt.Errorf("engine: %w", err)
	}
	e.post = e.cfg.Postprocess
	if e.post == nil {
		e.post = postprocess.New(e.cfg.Metrics)
	}

	e.state.Store(int32(StateReady))
	st := e.Status(ctx)
	log.Info("engine: ready",
		"engine", st.Engine,
		"voice_cloning", st.CloningEnabled,
		"reference_voice", st.ReferenceVoiceSource,
	)
	return st, nil
}

func (e *Engine) extractReference(ctx context.Context) *reference.Voice {
	src := e.cfg.ReferenceSource
	if src == "" || e.cfg.ReferencePath == "" {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		observe.Logger(ctx).Info("engine: no reference voice sample", "path", src)
		return nil
	}
	ref, err := reference.NewExtractor(e.cfg.ReferencePath).Extract(src)
	if err != nil {
		return nil
	}
	return ref
}

// GenerateSpeech turns req into an audio artifact. Identical concurrent
// cached requests share one synthesis, which runs to completion even when the
// caller that started it goes away; a caller whose ctx ends stops waiting and
// gets a failed result wrapping ctx.Err().
func (e *Engine) GenerateSpeech(ctx context.Context, req Request) Result {
	start := time.Now()
	label := req.Emotion
	if label == "" {
		label = emotion.Default
	}

	ctx, span := observe.StartSpan(ctx, "engine.generate_speech")
	res := e.generate(ctx, req, label)
	observe.EndSpan(span, res.Err)

	if m := e.cfg.Metrics; m != nil {
		status, backend := "ok", res.BackendUsed.String()
		if !res.Success {
			status, backend = "error", "none"
		}
		m.RecordSpeech(ctx, backend, status, time.Since(start))
	}
	return res
}

func (e *Engine) generate(ctx context.Context, req Request, label string) Result {
	if e.State() != StateReady {
		return failure(label, ErrNotReady)
	}
	if strings.TrimSpace(req.Text) == "" {
		return failure(label, ErrEmptyText)
	}
	profile := emotion.For(label)

	if !req.UseCache {
		return e.synthesize(ctx, req.Text, label, profile, false)
	}

	key := cache.Key(req.Text, label)
	shared := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (any, error) {
		if entry, ok := e.cache.Lookup(shared, req.Text, label); ok {
			return Result{Success: true, ArtifactPath: entry.Path, BackendUsed: synth.TierCached, Emotion: label}, nil
		}
		return e.synthesize(shared, req.Text, label, profile, true), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return failure(label, fmt.Errorf("engine: %w", ctx.Err()))
	}
}

// synthesize runs the chain and the post-processor. Uncached requests get a
// unique artifact name so they never clobber a cached one.
func (e *Engine) synthesize(ctx context.Context, text, label string, profile emotion.Profile, store bool) Result {
	log := observe.Logger(ctx)
	name := cache.Key(text, label)
	if !store {
		name += "-" + uuid.NewString()
	}

	out, err := e.chain.Run(ctx, synth.Job{
		Text:     text,
		Language: e.cfg.Language,
		Profile:  profile,
		OutPath:  e.cache.RawPath(name),
	})
	if err != nil {
		log.Error("engine: speech generation failed", "emotion", label, "err", err)
		return failure(label, err)
	}

	// A failed pipeline still yields the raw artifact.
	path, _ := e.post.Process(ctx, out.RawPath, profile, out.Tier, e.cache.ArtifactPath(name))

	if store {
		if _, err := e.cache.Store(ctx, text, label, path); err != nil {
			log.Warn("engine: cache store failed", "err", err)
		}
	}
	log.Info("engine: speech generated", "tier", out.Tier, "emotion", label, "path", path)
	return Result{Success: true, ArtifactPath: path, BackendUsed: out.Tier, Emotion: label}
}

// Status returns a snapshot of the engine. Before initialisation only State
// and the voice description are filled in.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		State:                e.State().String(),
		Engine:               EngineFallback,
		ReferenceVoiceSource: "Default",
		Language:             e.cfg.Language,
		Speaker:              e.cfg.Speaker,
		VoiceStyle:           e.cfg.Style,
	}
	if e.State() != StateReady {
		return st
	}

	st.CloningEnabled = e.cloning.Ready() == nil
	st.BackendLoaded = st.CloningEnabled || e.standard.Ready() == nil
	if st.BackendLoaded {
		st.Engine = EngineModel
	}
	if st.CloningEnabled {
		st.ReferenceVoiceSource = e.ref.SourcePath
	}
	st.CacheSize = e.cache.Len(ctx)

	for _, ts := range e.chain.Status() {
		info := TierInfo{Tier: ts.Tier, Ready: ts.Available(), Breaker: ts.Breaker.String()}
		if ts.Ready != nil {
			info.Reason = ts.Ready.Error()
		}
		st.Tiers = append(st.Tiers, info)
	}
	return st
}

// ClearCache deletes cached files older than olderThanHours and empties the
// index. It returns the number of files removed.
func (e *Engine) ClearCache(ctx context.Context, olderThanHours int) (int, error) {
	if e.State() != StateReady {
		return 0, ErrNotReady
	}
	if olderThanHours < 0 {
		return 0, fmt.Errorf("engine: negative age %d", olderThanHours)
	}
	return e.cache.Evict(ctx, time.Duration(olderThanHours)*time.Hour)
}

// RunEviction evicts files older than maxAge every interval until ctx is
// done. It returns nil when ctx is cancelled.
func (e *Engine) RunEviction(ctx context.Context, interval, maxAge time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("engine: eviction interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.State() != StateReady {
				continue
			}
			if _, err := e.cache.Evict(ctx, maxAge); err != nil {
				observe.Logger(ctx).Warn("engine: periodic eviction failed", "err", err)
			}
		}
	}
}
