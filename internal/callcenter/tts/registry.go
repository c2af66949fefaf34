package tts

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

type holder struct {
	syn Synthesizer
}

// Registry is a Synthesizer whose backing implementation can be replaced at
// runtime, for example when voice settings are reloaded. Calls in flight keep
// the implementation they started with.
type Registry struct {
	current atomic.Pointer[holder]
}

// NewRegistry creates a registry serving syn.
func NewRegistry(syn Synthesizer) *Registry {
	r := &Registry{}
	r.Swap(syn)
	return r
}

// Swap installs syn and returns the previous implementation.
func (r *Registry) Swap(syn Synthesizer) Synthesizer {
	old := r.current.Swap(&holder{syn: syn})
	if old == nil {
		return nil
	}
	return old.syn
}

// Current returns the active implementation.
func (r *Registry) Current() Synthesizer {
	return r.current.Load().syn
}

// Synthesize implements Synthesizer
func (r *Registry) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return r.Current().Synthesize(ctx, text)
}

// SynthesizeStream implements Synthesizer
func (r *Registry) SynthesizeStream(ctx context.Context, text string) Stream {
	return r.Current().SynthesizeStream(ctx, text)
}

// Silence renders every sentence as silence of a length proportional to the
// text. It keeps the call flow working in environments without a speech
// engine.
type Silence struct {
	Format  media.Format
	PerChar time.Duration
}

// Synthesize implements Synthesizer
func (s Silence) Synthesize(_ context.Context, text string) ([]byte, error) {
	per := s.PerChar
	if per <= 0 {
		per = 60 * time.Millisecond
	}
	d := time.Duration(len([]rune(text))) * per
	n := int(d * time.Duration(s.Format.SampleRate) / time.Second)
	return make([]byte, n*2*max(s.Format.Channels, 1)), nil
}

// SynthesizeStream implements Synthesizer
func (s Silence) SynthesizeStream(ctx context.Context, text string) Stream {
	return NewSentenceStream(ctx, text, s.Synthesize)
}
