// Package stt connects a call's inbound audio to a streaming speech recognizer.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrStreamNotStarted is returned by FeedAudio before StartStream succeeded.
	ErrStreamNotStarted = errors.New("stt: stream not started")
	// ErrStreamClosed is returned once StopStream was called or the stream failed.
	ErrStreamClosed = errors.New("stt: stream closed")
)

// Encodings accepted by StreamConfig.Encoding.
const (
	EncodingPCM16 = "pcm_s16le"
	EncodingMulaw = "pcm_mulaw"
)

// StreamConfig configures one recognition stream.
type StreamConfig struct {
	Language   string // BCP-47 or ISO code, empty lets the engine detect
	SampleRate int
	Encoding   string // wire encoding towards the engine, audio is always fed as pcm_s16le
	Model      string
}

// Transcript is a partial or final recognition result.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Language   string
}

// Recognizer is a single-use streaming recognition session.
//
// Transcripts returns the same channel for the whole lifetime; it is closed
// after StopStream or when the engine ends the stream. A stopped Recognizer
// cannot be restarted.
type Recognizer interface {
	StartStream(ctx context.Context, cfg StreamConfig) error
	FeedAudio(pcm []byte) error
	Transcripts() <-chan Transcript
	StopStream() error
}

// Factory creates a fresh Recognizer for each call.
type Factory func() Recognizer
