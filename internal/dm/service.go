// Package dm orchestrates the conversation flow: session identity, local
// history, the webhook call and audio prefetching.
package dm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lorekeeper/internal/audio"
	"lorekeeper/internal/chat"
	"lorekeeper/internal/metrics"
	"lorekeeper/internal/remote"
	"lorekeeper/internal/session"
	"lorekeeper/internal/webhook"
)

const (
	msgThinking     = "The AI Dungeon Master is thinking..."
	msgConnError    = "Connection error. Please try again."
	msgOffline      = "The Dungeon Master service is offline. Please try again later."
	msgContinuing   = "Continuing from your previous session."
	msgStartingNew  = "No old messages, starting fresh."
	prefetchTimeout = 60 * time.Second
)

// HistorySource supplies the most recent remembered message for a session
// from the workflow backend. Implementations return remote.ErrNotFound when
// the backend has nothing.
type HistorySource interface {
	LastMessage(ctx context.Context, sessionID string) (remote.HistoryRecord, error)
}

type Service struct {
	sessions *session.Store
	history  *chat.Store
	cache    *audio.Cache
	hook     *webhook.Client
	remote   HistorySource
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	seeded map[string]bool
}

type Config struct {
	Sessions *session.Store
	History  *chat.Store
	Cache    *audio.Cache
	Webhook  *webhook.Client
	Remote   HistorySource // optional
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		sessions: cfg.Sessions,
		history:  cfg.History,
		cache:    cfg.Cache,
		hook:     cfg.Webhook,
		remote:   cfg.Remote,
		logger:   cfg.Logger,
		metrics:  m,
		now:      time.Now,
		seeded:   make(map[string]bool),
	}
}

// Session returns the current session id, bootstrapping one if absent.
func (s *Service) Session(ctx context.Context) (string, error) {
	return s.sessions.Bootstrap(ctx)
}

// SetSession replaces the session id with a user-supplied one.
func (s *Service) SetSession(ctx context.Context, id string) error {
	return s.sessions.Set(ctx, id)
}

// NewSession clears the current session id and starts a fresh one.
func (s *Service) NewSession(ctx context.Context) (string, error) {
	if err := s.sessions.Clear(ctx); err != nil {
		return "", err
	}
	return s.sessions.Bootstrap(ctx)
}

// History returns the session's chat log, seeding it from the workflow
// backend the first time an empty session is loaded in this process.
func (s *Service) History(ctx context.Context) ([]chat.Message, error) {
	sessionID, err := s.Session(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSeeded(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.history.Load(ctx, sessionID)
}

// ensureSeeded runs the history bootstrap at most once per session per
// process. An empty local history is seeded from the backend's last
// remembered message, or with a single placeholder when the backend has
// nothing either. Seeded messages are persisted so reloads do not re-query.
func (s *Service) ensureSeeded(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if s.seeded[sessionID] {
		s.mu.Unlock()
		return nil
	}
	s.seeded[sessionID] = true
	s.mu.Unlock()

	msgs, err := s.history.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return nil
	}

	if s.remote != nil {
		rec, err := s.remote.LastMessage(ctx, sessionID)
		if err == nil {
			if err := s.append(ctx, sessionID, chat.Message{
				ID:        uuid.NewString(),
				Role:      chat.RoleSystem,
				Text:      msgContinuing,
				Timestamp: s.now().UnixMilli(),
			}); err != nil {
				return err
			}
			return s.append(ctx, sessionID, chat.Message{
				ID:        uuid.NewString(),
				Role:      chat.RoleDM,
				Text:      rec.Message,
				Timestamp: s.now().UnixMilli(),
			})
		}
		if !errors.Is(err, remote.ErrNotFound) {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("remote history lookup failed")
		}
	}

	return s.append(ctx, sessionID, chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleSystem,
		Text:      msgStartingNew,
		Timestamp: s.now().UnixMilli(),
	})
}

// Send records the player's text message, forwards it to the DM webhook and
// records the reply. Webhook failures degrade to a persisted system message;
// the player's message is never lost.
func (s *Service) Send(ctx context.Context, text string) (chat.Message, error) {
	sessionID, err := s.Session(ctx)
	if err != nil {
		return chat.Message{}, err
	}

	messageID := uuid.NewString()
	userMsg := chat.Message{
		ID:        messageID,
		Role:      chat.RoleUser,
		Text:      text,
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.append(ctx, sessionID, userMsg); err != nil {
		return chat.Message{}, err
	}

	resp, err := s.hook.SendText(ctx, sessionID, messageID, text, s.now())
	return s.recordReply(ctx, sessionID, resp, err)
}

// SendVoice forwards a recorded voice message. The transcript lives on the
// workflow side, so the local history records a marker entry.
func (s *Service) SendVoice(ctx context.Context, data []byte, mime, ext string) (chat.Message, error) {
	sessionID, err := s.Session(ctx)
	if err != nil {
		return chat.Message{}, err
	}

	messageID := uuid.NewString()
	userMsg := chat.Message{
		ID:        messageID,
		Role:      chat.RoleUser,
		Text:      "🎤 Voice message",
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.append(ctx, sessionID, userMsg); err != nil {
		return chat.Message{}, err
	}

	resp, err := s.hook.SendVoice(ctx, sessionID, messageID, data, mime, ext)
	return s.recordReply(ctx, sessionID, resp, err)
}

func (s *Service) recordReply(ctx context.Context, sessionID string, resp webhook.Response, err error) (chat.Message, error) {
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("webhook call failed")
		text := msgConnError
		if errors.Is(err, webhook.ErrServiceOffline) {
			text = msgOffline
		}
		sysMsg := chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleSystem,
			Text:      text,
			Timestamp: s.now().UnixMilli(),
		}
		if appendErr := s.append(ctx, sessionID, sysMsg); appendErr != nil {
			return chat.Message{}, appendErr
		}
		return sysMsg, nil
	}

	if resp.Pending {
		sysMsg := chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleSystem,
			Text:      msgThinking,
			Timestamp: s.now().UnixMilli(),
		}
		if err := s.append(ctx, sessionID, sysMsg); err != nil {
			return chat.Message{}, err
		}
		return sysMsg, nil
	}

	dmMsg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleDM,
		Text:      resp.Text,
		Audio:     resp.Audio,
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.append(ctx, sessionID, dmMsg); err != nil {
		return chat.Message{}, err
	}

	if len(dmMsg.Audio) > 0 {
		go s.prefetchAudio(context.WithoutCancel(ctx), sessionID, dmMsg.Audio)
	}
	return dmMsg, nil
}

// prefetchAudio warms the cache for each audio ref. Individual failures are
// skipped: playback falls back to resolving on demand.
func (s *Service) prefetchAudio(ctx context.Context, sessionID string, refs []chat.AudioRef) {
	ctx, cancel := context.WithTimeout(ctx, prefetchTimeout)
	defer cancel()

	for _, ref := range refs {
		if _, err := s.cache.PlayableLocator(ctx, sessionID, ref); err != nil {
			s.logger.Warn().Err(err).Str("path", ref.Path).Msg("audio prefetch failed")
		}
	}
}

// ClearChat wipes the current session's local history.
func (s *Service) ClearChat(ctx context.Context) error {
	sessionID, err := s.Session(ctx)
	if err != nil {
		return err
	}
	return s.history.Clear(ctx, sessionID)
}

func (s *Service) append(ctx context.Context, sessionID string, msg chat.Message) error {
	if err := s.history.Append(ctx, sessionID, msg); err != nil {
		return err
	}
	s.metrics.MessagesAppended.Inc()
	return nil
}
