package tts

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go/v3"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

// openAIPCMRate is the sample rate of the speech endpoint's raw PCM output.
const openAIPCMRate = 24000

const (
	DefaultOpenAIModel = "gpt-4o-mini-tts"
	DefaultOpenAIVoice = string(openai.AudioSpeechNewParamsVoiceAsh)
)

// OpenAIConfig selects the speech model and voice.
type OpenAIConfig struct {
	Model        string
	Voice        string
	Instructions string // optional speaking style
}

// OpenAISynthesizer renders speech through the OpenAI audio API and resamples
// it to the call format.
type OpenAISynthesizer struct {
	client openai.Client
	cfg    OpenAIConfig
	format media.Format
}

// NewOpenAISynthesizer creates a synthesizer producing audio in format.
func NewOpenAISynthesizer(client openai.Client, cfg OpenAIConfig, format media.Format) *OpenAISynthesizer {
	cfg.Model = cmp.Or(cfg.Model, DefaultOpenAIModel)
	cfg.Voice = cmp.Or(cfg.Voice, DefaultOpenAIVoice)
	return &OpenAISynthesizer{client: client, cfg: cfg, format: format}
}

// Synthesize implements Synthesizer
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Model:          s.cfg.Model,
		Voice:          openai.AudioSpeechNewParamsVoice(s.cfg.Voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		StreamFormat:   openai.AudioSpeechNewParamsStreamFormatAudio,
	}
	if s.cfg.Instructions != "" {
		params.Instructions = openai.String(s.cfg.Instructions)
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Debug("[TTS] Closing response body failed", "error", cerr)
		}
	}()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("speech request: empty audio")
	}
	// odd trailing byte cannot form a sample
	pcm = pcm[:len(pcm)&^1]

	return media.Resample(pcm, openAIPCMRate, s.format.SampleRate), nil
}

// SynthesizeStream implements Synthesizer
func (s *OpenAISynthesizer) SynthesizeStream(ctx context.Context, text string) Stream {
	return NewSentenceStream(ctx, text, s.Synthesize)
}
