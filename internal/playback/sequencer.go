// Package playback plays a DM reply's audio refs in order.
package playback

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"lorekeeper/internal/chat"
)

// Player opens and plays a single locator to completion.
type Player interface {
	Play(ctx context.Context, locator string) error
}

// Resolver turns an audio ref into a playable locator (the audio cache).
type Resolver interface {
	PlayableLocator(ctx context.Context, sessionID string, ref chat.AudioRef) (string, error)
}

// Sequencer plays refs sequentially in the background. Starting a new
// sequence stops the previous one (last-writer-wins); an unresolvable item
// is skipped and the sequence continues with the next.
type Sequencer struct {
	resolver Resolver
	player   Player
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSequencer(resolver Resolver, player Player, logger zerolog.Logger) *Sequencer {
	return &Sequencer{resolver: resolver, player: player, logger: logger}
}

// Start begins playing refs in order and returns a channel closed when the
// sequence finishes or is stopped.
func (s *Sequencer) Start(ctx context.Context, sessionID string, refs []chat.AudioRef) <-chan struct{} {
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		for _, ref := range refs {
			if ctx.Err() != nil {
				return
			}
			locator, err := s.resolver.PlayableLocator(ctx, sessionID, ref)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", ref.Path).Msg("skipping unavailable audio")
				continue
			}
			if err := s.player.Play(ctx, locator); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Str("path", ref.Path).Msg("audio playback failed")
			}
		}
	}()

	return done
}

// Stop cancels the current sequence, if any, and waits for it to wind down.
// An in-flight resolve is allowed to finish populating the cache; it just
// will not be played.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
