package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

// PhraseCache serves fixed phrases (greetings, fillers, farewells) from
// memory and delegates everything else. Phrases can be loaded from
// pre-rendered WAV files and newly synthesized phrases are written back to
// the directory when one is configured.
type PhraseCache struct {
	next   Synthesizer
	format media.Format
	dir    string

	mu    sync.RWMutex
	items map[string][]byte
}

// NewPhraseCache wraps next. dir may be empty to keep the cache in memory only.
func NewPhraseCache(next Synthesizer, format media.Format, dir string) *PhraseCache {
	return &PhraseCache{
		next:   next,
		format: format,
		dir:    dir,
		items:  make(map[string][]byte),
	}
}

// PhraseFile returns the file name used for a phrase's audio.
func PhraseFile(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8]) + ".wav"
}

// MaxConcurrentRenders bounds the synthesis requests issued by Warm.
const MaxConcurrentRenders = 4

// Warm makes every phrase available from the cache, loading it from disk
// when present and synthesizing it otherwise. Individual failures are logged
// and the phrase is left to be synthesized on demand.
func (c *PhraseCache) Warm(ctx context.Context, phrases []string) error {
	sem := semaphore.NewWeighted(MaxConcurrentRenders)
	g, gCtx := errgroup.WithContext(ctx)

	var (
		mu   sync.Mutex
		errs []error
	)
	seen := make(map[string]bool, len(phrases))
	for _, text := range phrases {
		if text == "" || seen[text] || c.has(text) {
			continue
		}
		seen[text] = true
		if pcm, err := c.load(text); err == nil {
			c.put(text, pcm)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("[TTS] Cached phrase unreadable", "file", PhraseFile(text), "error", err)
		}

		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			pcm, err := c.next.Synthesize(gCtx, text)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("phrase %q: %w", text, err))
				mu.Unlock()
				return nil
			}
			c.put(text, pcm)
			if c.dir != "" {
				if err := media.WriteWAV(filepath.Join(c.dir, PhraseFile(text)), pcm, c.format.SampleRate); err != nil {
					slog.Warn("[TTS] Failed to persist phrase audio", "error", err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		slog.Warn("[TTS] Some phrases were not pre-rendered", "count", len(errs))
	}
	return errors.Join(errs...)
}

func (c *PhraseCache) load(text string) ([]byte, error) {
	if c.dir == "" {
		return nil, fs.ErrNotExist
	}
	path := filepath.Join(c.dir, PhraseFile(text))
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	clip, err := media.LoadWAV(path)
	if err != nil {
		return nil, err
	}
	return clip.Convert(c.format)
}

func (c *PhraseCache) has(text string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[text]
	return ok
}

func (c *PhraseCache) get(text string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pcm, ok := c.items[text]
	return pcm, ok
}

func (c *PhraseCache) put(text string, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[text] = pcm
}

// Len returns the number of cached phrases.
func (c *PhraseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Synthesize implements Synthesizer
func (c *PhraseCache) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if pcm, ok := c.get(text); ok {
		return pcm, nil
	}
	return c.next.Synthesize(ctx, text)
}

// SynthesizeStream implements Synthesizer. Cached phrases come back as a
// single chunk.
func (c *PhraseCache) SynthesizeStream(ctx context.Context, text string) Stream {
	if pcm, ok := c.get(text); ok {
		return StaticStream(nil, pcm)
	}
	return c.next.SynthesizeStream(ctx, text)
}
