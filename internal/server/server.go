// Package server exposes the conversation core over a small HTTP API for a
// thin chat client.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"lorekeeper/internal/audio"
	"lorekeeper/internal/dm"
	"lorekeeper/internal/session"
)

type Service struct {
	dm     *dm.Service
	cache  *audio.Cache
	maxAge time.Duration
	logger zerolog.Logger
}

type Config struct {
	DM          *dm.Service
	Cache       *audio.Cache
	AudioMaxAge time.Duration
	Logger      zerolog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.AudioMaxAge <= 0 {
		cfg.AudioMaxAge = audio.DefaultMaxAge
	}
	return &Service{
		dm:     cfg.DM,
		cache:  cfg.Cache,
		maxAge: cfg.AudioMaxAge,
		logger: cfg.Logger,
	}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/message", s.postMessage)
	mux.HandleFunc("POST /api/voice", s.postVoice)
	mux.HandleFunc("GET /api/chat", s.getChat)
	mux.HandleFunc("DELETE /api/chat", s.deleteChat)
	mux.HandleFunc("GET /api/session", s.getSession)
	mux.HandleFunc("PUT /api/session", s.putSession)
	mux.HandleFunc("DELETE /api/session", s.deleteSession)
	mux.HandleFunc("GET /api/audio", s.getAudio)
	mux.HandleFunc("POST /api/audio/vacuum", s.postVacuum)
}

func (s *Service) postMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	msg, err := s.dm.Send(r.Context(), req.Text)
	if err != nil {
		s.logger.Error().Err(err).Msg("send message failed")
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) postVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("data")
	if err != nil {
		writeError(w, http.StatusBadRequest, "voice field 'data' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read voice data")
		return
	}

	mime := header.Header.Get("Content-Type")
	ext := extFromFilename(header.Filename)
	msg, err := s.dm.SendVoice(r.Context(), data, mime, ext)
	if err != nil {
		s.logger.Error().Err(err).Msg("send voice failed")
		writeError(w, http.StatusInternalServerError, "failed to send voice message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) getChat(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.dm.History(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("load chat failed")
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Service) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.dm.ClearChat(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("clear chat failed")
		writeError(w, http.StatusInternalServerError, "failed to clear chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.dm.Session(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("session bootstrap failed")
		writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Service) putSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.dm.SetSession(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, session.ErrInvalidSessionID) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("set session failed")
		writeError(w, http.StatusInternalServerError, "failed to set session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": req.SessionID})
}

func (s *Service) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.dm.NewSession(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("new session failed")
		writeError(w, http.StatusInternalServerError, "failed to start new session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

// getAudio streams the cached bytes for one audio locator so the client's
// player never needs to know cache internals.
func (s *Service) getAudio(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		writeError(w, http.StatusBadRequest, "locator is required")
		return
	}
	blob, err := s.cache.Open(r.Context(), locator)
	if err != nil {
		if errors.Is(err, audio.ErrAudioUnavailable) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("open audio failed")
		writeError(w, http.StatusInternalServerError, "failed to open audio")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(blob)))
	_, _ = w.Write(blob)
}

func (s *Service) postVacuum(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Vacuum(r.Context(), s.maxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("audio vacuum failed")
		writeError(w, http.StatusInternalServerError, "failed to vacuum audio cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func extFromFilename(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
