package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/luavoice/internal/engine"
	"github.com/MrWong99/luavoice/internal/observe"
)

// Response formats accepted by /speak.
const (
	FormatBase64 = "base64"
	FormatWAV    = "wav"
)

type speakRequest struct {
	Text     string `json:"text"`
	Emotion  string `json:"emotion"`
	Format   string `json:"format"`
	UseCache *bool  `json:"use_cache"`
}

type speakResponse struct {
	Success     bool   `json:"success"`
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	Emotion     string `json:"emotion"`
	Backend     string `json:"backend"`
	RequestID   string `json:"request_id"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := observe.WithRequestID(r.Context(), requestID)
	w.Header().Set("X-Request-ID", requestID)
	log := observe.Logger(ctx)

	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), requestID)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required", requestID)
		return
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = FormatBase64
	}
	if format != FormatBase64 && format != FormatWAV {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", req.Format), requestID)
		return
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	res := s.engine.GenerateSpeech(ctx, engine.Request{
		Text:     req.Text,
		Emotion:  req.Emotion,
		UseCache: useCache,
	})
	if !res.Success {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(res.Err, engine.ErrEmptyText):
			status = http.StatusBadRequest
		case errors.Is(res.Err, engine.ErrNotReady):
			status = http.StatusServiceUnavailable
		}
		log.Warn("speak: generation failed", "emotion", res.Emotion, "err", res.Error)
		writeError(w, status, "speech generation failed: "+res.Error, requestID)
		return
	}

	data, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		log.Error("speak: read artifact", "path", res.ArtifactPath, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read generated audio", requestID)
		return
	}
	log.Debug("speak: generated", "backend", res.BackendUsed, "emotion", res.Emotion, "bytes", len(data))

	if format == FormatWAV {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("X-Voice-Backend", res.BackendUsed.String())
		w.Header().Set("X-Voice-Emotion", res.Emotion)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, speakResponse{
		Success:     true,
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		Format:      "wav",
		Emotion:     res.Emotion,
		Backend:     res.BackendUsed.String(),
		RequestID:   requestID,
	})
}

type statusResponse struct {
	Success      bool          `json:"success"`
	Status       engine.Status `json:"status"`
	EngineLoaded bool          `json:"engine_loaded"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status(r.Context())
	loaded := st.State == engine.StateReady.String()
	writeJSON(w, http.StatusOK, statusResponse{
		Success:      loaded,
		Status:       st,
		EngineLoaded: loaded,
	})
}

type clearCacheRequest struct {
	Hours *int `json:"hours"`
}

type clearCacheResponse struct {
	Success bool   `json:"success"`
	Removed int    `json:"removed"`
	Message string `json:"message"`
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	var req clearCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}
	hours := DefaultClearHours
	if req.Hours != nil {
		hours = *req.Hours
	}
	if hours < 0 {
		writeError(w, http.StatusBadRequest, "hours must not be negative", "")
		return
	}

	removed, err := s.engine.ClearCache(r.Context(), hours)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error(), "")
		return
	}

	observe.Logger(r.Context()).Info("cache cleared", "hours", hours, "removed", removed)
	writeJSON(w, http.StatusOK, clearCacheResponse{
		Success: true,
		Removed: removed,
		Message: fmt.Sprintf("voice cache cleared (older than %d hours)", hours),
	})
}
