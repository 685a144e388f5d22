// Package audio caches DM audio artifacts locally so playback does not
// re-fetch them. The cache is an accelerator, never a system of record: the
// remote URL, when present, remains the authoritative source.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"lorekeeper/internal/chat"
	"lorekeeper/internal/kv"
	"lorekeeper/internal/metrics"
)

// ErrAudioUnavailable reports that neither the cache nor a remote URL can
// supply the requested audio.
var ErrAudioUnavailable = errors.New("audio unavailable")

const locatorScheme = "cache://"

// DefaultMaxAge is how long an untouched cache entry survives before the
// vacuum may remove it.
const DefaultMaxAge = 7 * 24 * time.Hour

// entryMeta is the per-entry record in the "audio_meta" store. TS is the
// last-access stamp in epoch milliseconds, refreshed on every read and
// write. File, when set, is the spilled copy on disk.
type entryMeta struct {
	TS   int64  `json:"ts"`
	Path string `json:"path"`
	File string `json:"file,omitempty"`
}

type Cache struct {
	blobs   kv.Store
	meta    kv.Store
	dir     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Config struct {
	Blobs   kv.Store // raw audio bytes, keyed "<session>:<path>"
	Meta    kv.Store // entryMeta JSON, same keys
	Dir     string   // optional spill directory; locators become file paths
	Client  *http.Client
	Retries int
	Backoff time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Cache {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 400 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Cache{
		blobs:   cfg.Blobs,
		meta:    cfg.Meta,
		dir:     cfg.Dir,
		client:  cfg.Client,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
		metrics: m,
		now:     time.Now,
	}
}

// Key derives the cache key for a session-scoped audio path.
func Key(sessionID, path string) string {
	return sessionID + ":" + path
}

// Put stores blob under the session-scoped key, stamps the current time and
// returns a locator the playback layer can open directly.
func (c *Cache) Put(ctx context.Context, sessionID string, ref chat.AudioRef, blob []byte) (string, error) {
	key := Key(sessionID, ref.Path)
	if err := c.blobs.Set(ctx, key, blob); err != nil {
		return "", fmt.Errorf("store audio blob: %w", err)
	}

	meta := entryMeta{TS: c.now().UnixMilli(), Path: ref.Path}
	if c.dir != "" {
		file := filepath.Join(c.dir, spillName(key, ref.Mime))
		if err := os.WriteFile(file, blob, 0o600); err != nil {
			return "", fmt.Errorf("spill audio file: %w", err)
		}
		meta.File = file
	}
	if err := c.writeMeta(ctx, key, meta); err != nil {
		return "", err
	}

	return c.locator(key, meta), nil
}

// PlayableLocator resolves audio cache-first. A hit refreshes the entry's
// stamp and touches no network; a miss with a remote URL fetches, caches as
// a side effect and returns the fresh locator. With neither it fails with
// ErrAudioUnavailable naming the missing path.
func (c *Cache) PlayableLocator(ctx context.Context, sessionID string, ref chat.AudioRef) (string, error) {
	key := Key(sessionID, ref.Path)

	meta, found, err := c.readMeta(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("audio cache read failed")
	} else if found {
		if meta.File != "" {
			if _, statErr := os.Stat(meta.File); statErr != nil {
				// Spilled file vanished out from under us; drop the
				// entry and fall through to a re-fetch.
				_ = c.remove(ctx, key, meta)
				found = false
			}
		}
		if found {
			meta.TS = c.now().UnixMilli()
			if err := c.writeMeta(ctx, key, meta); err != nil {
				c.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh audio stamp")
			}
			c.metrics.AudioCacheHits.Inc()
			return c.locator(key, meta), nil
		}
	}

	if ref.RemoteURL == "" {
		return "", fmt.Errorf("%w: %s", ErrAudioUnavailable, ref.Path)
	}

	c.metrics.AudioCacheMisses.Inc()
	blob, err := c.fetch(ctx, ref.RemoteURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAudioUnavailable, ref.Path, err)
	}
	return c.Put(ctx, sessionID, ref, blob)
}

// Open returns the bytes behind a locator produced by this cache.
func (c *Cache) Open(ctx context.Context, locator string) ([]byte, error) {
	if key, ok := strings.CutPrefix(locator, locatorScheme); ok {
		blob, found, err := c.blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("open cached audio: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrAudioUnavailable, key)
		}
		return blob, nil
	}
	blob, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	return blob, nil
}

// Vacuum removes every entry whose last-access stamp is older than maxAge.
// The stamp is re-read at deletion time so an entry touched after iteration
// began is never falsely evicted. Returns the number of removed entries.
func (c *Cache) Vacuum(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := c.now().Add(-maxAge).UnixMilli()

	candidates := make([]string, 0)
	err := c.meta.Iterate(ctx, func(key string, raw []byte) error {
		var m entryMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		if m.TS < cutoff {
			candidates = append(candidates, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan audio cache: %w", err)
	}

	removed := 0
	for _, key := range candidates {
		meta, found, err := c.readMeta(ctx, key)
		if err != nil || !found {
			continue
		}
		if meta.TS >= cutoff {
			// Touched since the scan; keep it.
			continue
		}
		if err := c.remove(ctx, key, meta); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to evict audio entry")
			continue
		}
		removed++
		c.metrics.AudioEvicted.Inc()
	}
	return removed, nil
}

// Clear wipes all cached audio, metadata and spilled files.
func (c *Cache) Clear(ctx context.Context) error {
	err := c.meta.Iterate(ctx, func(key string, raw []byte) error {
		var m entryMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		if m.File != "" {
			if err := os.Remove(m.File); err != nil && !os.IsNotExist(err) {
				c.logger.Warn().Err(err).Str("file", m.File).Msg("failed to delete cached audio file")
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan audio cache: %w", err)
	}

	if err := c.blobs.Clear(ctx); err != nil {
		return fmt.Errorf("clear audio blobs: %w", err)
	}
	if err := c.meta.Clear(ctx); err != nil {
		return fmt.Errorf("clear audio metadata: %w", err)
	}
	return nil
}

func (c *Cache) locator(key string, meta entryMeta) string {
	if meta.File != "" {
		return meta.File
	}
	return locatorScheme + key
}

func (c *Cache) readMeta(ctx context.Context, key string) (entryMeta, bool, error) {
	raw, found, err := c.meta.Get(ctx, key)
	if err != nil || !found {
		return entryMeta{}, false, err
	}
	var m entryMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return entryMeta{}, false, fmt.Errorf("decode audio metadata: %w", err)
	}
	return m, true, nil
}

func (c *Cache) writeMeta(ctx context.Context, key string, meta entryMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audio metadata: %w", err)
	}
	if err := c.meta.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("store audio metadata: %w", err)
	}
	return nil
}

func (c *Cache) remove(ctx context.Context, key string, meta entryMeta) error {
	if meta.File != "" {
		if err := os.Remove(meta.File); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete audio file: %w", err)
		}
	}
	if err := c.blobs.Delete(ctx, key); err != nil {
		return err
	}
	return c.meta.Delete(ctx, key)
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	var blob []byte
	backoff := retry.WithMaxRetries(uint64(c.retries), retry.NewExponential(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build audio request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("fetch audio: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("audio fetch status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("audio fetch status %d", resp.StatusCode)
		}

		blob, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read audio body: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func spillName(key, mime string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return "audio_" + sanitized + extForMime(mime)
}

func extForMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".mp3"
	}
}
