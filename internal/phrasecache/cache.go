// Package phrasecache is a content-addressed cache of synthesized phrases.
// The key is the hex digest of (voice, text); the value is the raw SLIN PCM
// produced by the synthesizer. Greetings, prompts, and farewells repeat
// constantly across calls, so hits bypass both the TTS provider and its
// concurrency semaphore.
package phrasecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tecvoz/porteiro/pkg/provider/tts"
)

// Cache stores one file per phrase under the cache directory. Writes are
// atomic (temp file + rename), so a crash mid-write never leaves a truncated
// entry to be replayed as audio.
type Cache struct {
	dir string
}

// New creates the cache directory if needed and returns the cache.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("phrasecache: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("phrasecache: create dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Key returns the lowercase hex digest addressing (voice, text).
func Key(voice, text string) string {
	h := sha256.New()
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".slin")
}

// Get returns the cached PCM for (voice, text), if present.
func (c *Cache) Get(voice, text string) ([]byte, bool) {
	pcm, err := os.ReadFile(c.path(Key(voice, text)))
	if err != nil {
		return nil, false
	}
	return pcm, true
}

// Put stores PCM under (voice, text) atomically.
func (c *Cache) Put(voice, text string, pcm []byte) error {
	final := c.path(Key(voice, text))
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("phrasecache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(pcm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("phrasecache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("phrasecache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("phrasecache: rename: %w", err)
	}
	return nil
}

// Warm synthesizes and caches every phrase not already present. Failures are
// logged and skipped: pre-warming is an optimisation, not a requirement.
func (c *Cache) Warm(ctx context.Context, provider tts.Provider, voice string, phrases []string) {
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		if _, ok := c.Get(voice, phrase); ok {
			continue
		}
		pcm, err := provider.Synthesize(ctx, phrase, voice)
		if err != nil {
			slog.Warn("phrase pre-warm failed", "phrase", phrase, "err", err)
			continue
		}
		if err := c.Put(voice, phrase, pcm); err != nil {
			slog.Warn("phrase pre-warm store failed", "phrase", phrase, "err", err)
			continue
		}
		slog.Debug("phrase pre-warmed", "phrase", phrase, "bytes", len(pcm))
	}
}
