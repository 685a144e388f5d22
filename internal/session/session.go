// Package session owns the single persisted session identity token.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"lorekeeper/internal/kv"
)

// ErrInvalidSessionID reports a user-supplied session id that failed
// validation. The stored id is left unchanged.
var ErrInvalidSessionID = errors.New("invalid session id")

const storeKey = "sessionId"

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store persists the current session id. Storage is the single source of
// truth: there is no separate in-process cache to drift from it.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Current returns the stored session id, or "" if none is set.
func (s *Store) Current(ctx context.Context) (string, error) {
	v, found, err := s.kv.Get(ctx, storeKey)
	if err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	if !found {
		return "", nil
	}
	return string(v), nil
}

// Bootstrap returns the stored session id, generating and persisting a new
// one if none exists. After the first successful call every subsequent call
// returns the identical id until it is replaced or cleared.
func (s *Store) Bootstrap(ctx context.Context) (string, error) {
	id, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.kv.Set(ctx, storeKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}
	return id, nil
}

// Set validates and stores a user-supplied session id. The id is trimmed
// before validation and storage; only ASCII letters, digits, hyphen and
// underscore are accepted.
func (s *Store) Set(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	if err := s.kv.Set(ctx, storeKey, []byte(id)); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	return nil
}

// Clear removes the stored session id. The next Bootstrap starts a fresh
// session.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, storeKey); err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	return nil
}
