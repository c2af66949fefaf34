// Package tts turns reply text into call audio.
package tts

import (
	"context"
	"iter"
	"regexp"
	"strings"
)

// Synthesizer produces 16-bit mono PCM in the call format.
type Synthesizer interface {
	// Synthesize renders the whole text as one buffer.
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// SynthesizeStream renders text sentence by sentence. Sentences are
	// synthesized lazily, so a consumer that stops iterating abandons the rest.
	SynthesizeStream(ctx context.Context, text string) Stream
}

// Stream is a finite sequence of audio chunks. Err reports the first failure
// once iteration has finished.
type Stream interface {
	Seq() iter.Seq[[]byte]
	Err() error
}

var sentenceEnd = regexp.MustCompile(`[.!?…]+\s+`)

// SplitSentences splits text on sentence-ending punctuation followed by
// whitespace. Punctuation stays with its sentence; empty pieces are dropped.
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, match := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start:match[1]]); s != "" {
			sentences = append(sentences, s)
		}
		start = match[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// SynthesizeFunc renders a single piece of text.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// sentenceStream yields one chunk per sentence, calling render only when the
// consumer asks for the next chunk.
type sentenceStream struct {
	ctx       context.Context
	sentences []string
	render    SynthesizeFunc
	err       error
}

// NewSentenceStream builds a Stream that renders text one sentence at a time.
func NewSentenceStream(ctx context.Context, text string, render SynthesizeFunc) Stream {
	return &sentenceStream{ctx: ctx, sentences: SplitSentences(text), render: render}
}

func (s *sentenceStream) Seq() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, sentence := range s.sentences {
			if err := s.ctx.Err(); err != nil {
				s.err = err
				return
			}
			pcm, err := s.render(s.ctx, sentence)
			if err != nil {
				s.err = err
				return
			}
			if len(pcm) == 0 {
				continue
			}
			if !yield(pcm) {
				return
			}
		}
	}
}

func (s *sentenceStream) Err() error { return s.err }

// chunkStream is a Stream over already rendered chunks.
type chunkStream struct {
	chunks [][]byte
	err    error
}

// StaticStream returns a Stream over fixed chunks, or one that only reports err.
func StaticStream(err error, chunks ...[]byte) Stream {
	return &chunkStream{chunks: chunks, err: err}
}

func (s *chunkStream) Seq() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, c := range s.chunks {
			if !yield(c) {
				return
			}
		}
	}
}

func (s *chunkStream) Err() error { return s.err }
