// Package mock provides an in-memory mock implementation of [engine.VoiceEngine]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return values
// via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.VoiceEngine{
//	    GenerateSpeechResult: engine.Result{
//	        Success:      true,
//	        ArtifactPath: "testdata/hello.wav",
//	        BackendUsed:  synth.TierStandard,
//	    },
//	}
//	res := e.GenerateSpeech(ctx, engine.Request{Text: "Olá"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/luavoice/internal/engine"
)

// Compile-time interface assertion.
var _ engine.VoiceEngine = (*VoiceEngine)(nil)

// ClearCacheCall records the arguments of a single [VoiceEngine.ClearCache] call.
type ClearCacheCall struct {
	// Hours is the age threshold passed to ClearCache.
	Hours int
}

// VoiceEngine is a mock implementation of [engine.VoiceEngine].
// All exported *Result and *Error fields control return values.
// All exported *Calls fields accumulate invocation records.
type VoiceEngine struct {
	mu sync.Mutex

	// GenerateSpeechResult is returned by [VoiceEngine.GenerateSpeech].
	GenerateSpeechResult engine.Result

	// GenerateSpeechFunc, if set, replaces GenerateSpeechResult.
	GenerateSpeechFunc func(ctx context.Context, req engine.Request) engine.Result

	// StatusResult is returned by [VoiceEngine.Status].
	StatusResult engine.Status

	// ClearCacheResult and ClearCacheError are returned by
	// [VoiceEngine.ClearCache].
	ClearCacheResult int
	ClearCacheError  error

	// GenerateSpeechCalls records all GenerateSpeech requests.
	GenerateSpeechCalls []engine.Request

	// ClearCacheCalls records all ClearCache invocations.
	ClearCacheCalls []ClearCacheCall

	// CallCountStatus records how many times Status was called.
	CallCountStatus int
}

// GenerateSpeech implements [engine.VoiceEngine].
func (v *VoiceEngine) GenerateSpeech(ctx context.Context, req engine.Request) engine.Result {
	v.mu.Lock()
	v.GenerateSpeechCalls = append(v.GenerateSpeechCalls, req)
	fn, res := v.GenerateSpeechFunc, v.GenerateSpeechResult
	v.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return res
}

// Status implements [engine.VoiceEngine].
func (v *VoiceEngine) Status(_ context.Context) engine.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountStatus++
	return v.StatusResult
}

// ClearCache implements [engine.VoiceEngine].
func (v *VoiceEngine) ClearCache(_ context.Context, olderThanHours int) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ClearCacheCalls = append(v.ClearCacheCalls, ClearCacheCall{Hours: olderThanHours})
	return v.ClearCacheResult, v.ClearCacheError
}

// Requests returns a copy of the recorded GenerateSpeech requests. Thread-safe.
func (v *VoiceEngine) Requests() []engine.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]engine.Request, len(v.GenerateSpeechCalls))
	copy(out, v.GenerateSpeechCalls)
	return out
}
