package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // greeting zones must resolve in minimal containers
)

// Config holds the call-center server configuration
type Config struct {
	// Listeners
	ListenAddr string // AudioSocket TCP address
	HTTPAddr   string
	GRPCAddr   string // gRPC health service, empty disables it
	LogLevel   string

	// Calls
	SampleRate       int
	MaxCalls         int
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	SilenceTimeout   time.Duration
	TurnTimeout      time.Duration
	FillerDelay      time.Duration
	Timezone         string // greeting time of day, "Local" uses the host zone

	// Session store, in memory when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// Speech recognition
	STTURL         string
	STTFallbackURL string
	STTAPIKey      string
	STTLanguage    string
	STTEncoding    string
	STTModel       string

	// Language model and speech synthesis
	LLMProvider   string // openai or gemini
	LLMModel      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string
	Voice         Voice

	// Phrases
	PhrasesFile    string
	PhraseAudioDir string

	// Collaborators
	TranscriptsDSN string
	CallCtlURL     string
}

// Voice holds the synthesizer settings that can change at runtime.
type Voice struct {
	Model        string
	Voice        string
	Instructions string
}

// Load loads configuration from command line flags and environment variables
func Load() (*Config, error) {
	return LoadFrom(flag.CommandLine, os.Args[1:], os.Getenv)
}

// LoadFrom parses args into fs and then applies environment overrides.
func LoadFrom(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		HandshakeTimeout: 5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		SilenceTimeout:   10 * time.Second,
		TurnTimeout:      30 * time.Second,
		FillerDelay:      1500 * time.Millisecond,
		SessionTTL:       30 * time.Minute,
	}

	// Define flags
	fs.StringVar(&cfg.ListenAddr, "listen", "0.0.0.0:9092", "AudioSocket listen address")
	fs.StringVar(&cfg.HTTPAddr, "http", "0.0.0.0:8080", "HTTP API listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", "0.0.0.0:9090", "gRPC health listen address (empty to disable)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.SampleRate, "sample-rate", 16000, "Call audio sample rate in Hz")
	fs.IntVar(&cfg.MaxCalls, "max-calls", 100, "Maximum concurrent calls (0 for unlimited)")
	fs.StringVar(&cfg.Timezone, "tz", "Local", "Time zone for time-of-day greetings")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for sessions (in memory if empty)")
	fs.StringVar(&cfg.STTURL, "stt", "", "Streaming recognizer websocket URL")
	fs.StringVar(&cfg.STTFallbackURL, "stt-fallback", "", "Fallback recognizer websocket URL")
	fs.StringVar(&cfg.STTLanguage, "language", "", "Recognition language (engine detects if empty)")
	fs.StringVar(&cfg.STTEncoding, "stt-encoding", "pcm_s16le", "Audio encoding sent to the recognizer (pcm_s16le, pcm_mulaw)")
	fs.StringVar(&cfg.LLMProvider, "llm", "openai", "Turn processing provider (openai, gemini)")
	fs.StringVar(&cfg.LLMModel, "llm-model", "", "Chat model for turn processing")
	fs.StringVar(&cfg.Voice.Model, "tts-model", "", "Speech synthesis model")
	fs.StringVar(&cfg.Voice.Voice, "tts-voice", "", "Speech synthesis voice")
	fs.StringVar(&cfg.PhrasesFile, "phrases", "", "JSON file overriding built-in phrases")
	fs.StringVar(&cfg.PhraseAudioDir, "phrase-audio", "", "Directory with pre-rendered phrase WAV files")
	fs.StringVar(&cfg.CallCtlURL, "callctl", "", "Call-control service base URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("LOGLEVEL", &cfg.LogLevel)
	num("SAMPLE_RATE", &cfg.SampleRate)
	num("MAX_CALLS", &cfg.MaxCalls)
	dur("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	dur("SILENCE_TIMEOUT", &cfg.SilenceTimeout)
	dur("TURN_TIMEOUT", &cfg.TurnTimeout)
	dur("FILLER_DELAY", &cfg.FillerDelay)
	str("GREETING_TZ", &cfg.Timezone)

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	dur("SESSION_TTL", &cfg.SessionTTL)

	str("STT_URL", &cfg.STTURL)
	str("STT_FALLBACK_URL", &cfg.STTFallbackURL)
	str("STT_API_KEY", &cfg.STTAPIKey)
	str("STT_LANGUAGE", &cfg.STTLanguage)
	str("STT_ENCODING", &cfg.STTEncoding)
	str("STT_MODEL", &cfg.STTModel)

	str("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	str("GEMINI_API_KEY", &cfg.GeminiAPIKey)
	str("GEMINI_BASE_URL", &cfg.GeminiBaseURL)
	str("LLM_PROVIDER", &cfg.LLMProvider)
	str("LLM_MODEL", &cfg.LLMModel)
	cfg.Voice = LoadVoice(cfg.Voice, getenv)

	str("PHRASES_FILE", &cfg.PhrasesFile)
	str("PHRASE_AUDIO_DIR", &cfg.PhraseAudioDir)
	str("TRANSCRIPTS_DSN", &cfg.TranscriptsDSN)
	str("CALLCTL_URL", &cfg.CallCtlURL)

	cfg.CallCtlURL = strings.TrimRight(cfg.CallCtlURL, "/")

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadVoice applies the TTS_* environment variables over base. It is also
// used to reload voice settings at runtime.
func LoadVoice(base Voice, getenv func(string) string) Voice {
	if v := getenv("TTS_MODEL"); v != "" {
		base.Model = v
	}
	if v := getenv("TTS_VOICE"); v != "" {
		base.Voice = v
	}
	if v := getenv("TTS_INSTRUCTIONS"); v != "" {
		base.Instructions = v
	}
	return base
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) validate() error {
	var errs []error
	switch c.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("unsupported sample rate %d", c.SampleRate))
	}
	if c.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("max calls must not be negative, got %d", c.MaxCalls))
	}
	switch c.STTEncoding {
	case "pcm_s16le", "pcm_mulaw":
	default:
		errs = append(errs, fmt.Errorf("unsupported recognizer encoding %q", c.STTEncoding))
	}
	switch c.LLMProvider {
	case "", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unsupported llm provider %q", c.LLMProvider))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("time zone: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"handshake timeout": c.HandshakeTimeout,
		"shutdown timeout":  c.ShutdownTimeout,
		"silence timeout":   c.SilenceTimeout,
		"turn timeout":      c.TurnTimeout,
		"session ttl":       c.SessionTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}
