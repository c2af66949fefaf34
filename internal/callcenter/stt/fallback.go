package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Fallback runs the primary recognizer and switches to the secondary one
// when the primary fails to start or rejects audio mid-call. It switches at
// most once.
type Fallback struct {
	primary   Recognizer
	secondary Recognizer

	mu       sync.Mutex
	ctx      context.Context
	cfg      StreamConfig
	active   Recognizer
	switched bool
	stopped  bool

	out  chan Transcript
	done chan struct{}
	wg   sync.WaitGroup
	log  *slog.Logger
}

// NewFallback wraps two single-use recognizers.
func NewFallback(primary, secondary Recognizer) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		out:       make(chan Transcript, 100),
		done:      make(chan struct{}),
		log:       slog.Default(),
	}
}

// NewFallbackFactory combines two factories.
func NewFallbackFactory(primary, secondary Factory) Factory {
	return func() Recognizer { return NewFallback(primary(), secondary()) }
}

// StartStream implements Recognizer
func (f *Fallback) StartStream(ctx context.Context, cfg StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped || f.active != nil {
		return ErrStreamClosed
	}
	f.ctx, f.cfg = ctx, cfg

	if err := f.primary.StartStream(ctx, cfg); err != nil {
		f.log.Warn("[STT] Primary recognizer failed to start, using fallback", "error", err)
		_ = f.primary.StopStream()
		if err2 := f.secondary.StartStream(ctx, cfg); err2 != nil {
			return fmt.Errorf("start recognizers: %w", errors.Join(err, err2))
		}
		f.switched = true
		f.attach(f.secondary)
		return nil
	}
	f.attach(f.primary)
	return nil
}

// attach makes r the active recognizer and forwards its transcripts. Caller holds mu.
func (f *Fallback) attach(r Recognizer) {
	f.active = r
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for t := range r.Transcripts() {
			select {
			case f.out <- t:
			case <-f.done:
				return
			}
		}
	}()
}

// FeedAudio implements Recognizer
func (f *Fallback) FeedAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active == nil {
		return ErrStreamNotStarted
	}
	if f.stopped {
		return ErrStreamClosed
	}

	err := f.active.FeedAudio(pcm)
	if err == nil || f.switched {
		return err
	}

	f.log.Warn("[STT] Primary recognizer failed mid-stream, switching to fallback", "error", err)
	_ = f.primary.StopStream()
	f.switched = true
	if err2 := f.secondary.StartStream(f.ctx, f.cfg); err2 != nil {
		return fmt.Errorf("fallback recognizer: %w", errors.Join(err, err2))
	}
	f.attach(f.secondary)
	return f.secondary.FeedAudio(pcm)
}

// Transcripts implements Recognizer
func (f *Fallback) Transcripts() <-chan Transcript {
	return f.out
}

// StopStream implements Recognizer
func (f *Fallback) StopStream() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	active := f.active
	f.mu.Unlock()

	var err error
	if active != nil {
		err = active.StopStream()
	} else {
		// never started: release both single-use recognizers
		_ = f.primary.StopStream()
		_ = f.secondary.StopStream()
	}

	close(f.done)
	f.wg.Wait()
	close(f.out)
	return err
}
