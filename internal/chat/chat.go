// Package chat persists per-session message history.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"lorekeeper/internal/kv"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser   Role = "user"
	RoleDM     Role = "dm"
	RoleSystem Role = "system"
)

// AudioRef points at an audio artifact that may or may not be cached
// locally yet. Path is stable and unique within a session.
type AudioRef struct {
	Path       string `json:"path"`
	RemoteURL  string `json:"public_url,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Mime       string `json:"mime,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Message is a single chat entry. Messages are appended, never mutated and
// never reordered; id uniqueness within a session is the caller's job.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Audio     []AudioRef `json:"audio,omitempty"`
	Timestamp int64      `json:"ts"`
}

// Store persists one ordered message list per session in the "chat" kv
// store. All mutations for a session run under a per-session lock, so two
// concurrent appends cannot drop each other's read-modify-write.
type Store struct {
	kv kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store, locks: make(map[string]*sync.Mutex)}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Load returns the session's messages in append order. A session with no
// history yields an empty slice, never nil.
func (s *Store) Load(ctx context.Context, sessionID string) ([]Message, error) {
	raw, found, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return []Message{}, nil
	}

	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Append adds msg at the end of the session's history.
func (s *Store) Append(ctx context.Context, sessionID string, msg Message) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	msgs, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(sessionID), raw); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

// Clear removes the session's entire history.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := s.kv.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}
