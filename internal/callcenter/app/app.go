package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/svv2602/call-center-sub002/internal/callcenter/agent"
	"github.com/svv2602/call-center-sub002/internal/callcenter/api"
	"github.com/svv2602/call-center-sub002/internal/callcenter/audiosocket"
	"github.com/svv2602/call-center-sub002/internal/callcenter/callctl"
	"github.com/svv2602/call-center-sub002/internal/callcenter/config"
	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
	"github.com/svv2602/call-center-sub002/internal/callcenter/pipeline"
	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
	"github.com/svv2602/call-center-sub002/internal/callcenter/stt"
	"github.com/svv2602/call-center-sub002/internal/callcenter/transcripts"
	"github.com/svv2602/call-center-sub002/internal/callcenter/tts"
)

// ServiceName is reported through gRPC health.
const ServiceName = "callcenter.v1.CallCenter"

const (
	callerLookupTimeout = 2 * time.Second
	warmTimeout         = 30 * time.Second
)

// Components are the pluggable collaborators. Zero fields are built from the config.
type Components struct {
	Store       session.Store
	Recognizers stt.Factory
	Synthesizer tts.Synthesizer
	Processor   agent.TurnProcessor
	CallCtl     callctl.Controller
	Transcripts transcripts.Sink
}

// CallCenter wires the audio listener to the conversation pipeline.
type CallCenter struct {
	config *config.Config
	format media.Format

	listener     *audiosocket.Listener
	orchestrator *pipeline.Orchestrator
	phrases      pipeline.Phrases

	store       session.Store
	recognizers stt.Factory
	synth       *tts.Registry
	processor   agent.TurnProcessor
	callctl     callctl.Controller
	sink        transcripts.Sink
	openai      *openai.Client

	registry   *api.CallRegistry
	apiServer  *api.Server
	grpcServer *grpc.Server
	health     *health.Server
	grpcLn     net.Listener

	closers []func() error
	calls   sync.WaitGroup
	active  atomic.Int64
}

// NewServer builds the service from cfg.
func NewServer(ctx context.Context, cfg *config.Config, comps Components) (*CallCenter, error) {
	c := &CallCenter{
		config:   cfg,
		format:   media.PCM16k.WithRate(cfg.SampleRate),
		registry: api.NewCallRegistry(),
	}
	if err := c.build(ctx, comps); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *CallCenter) build(ctx context.Context, comps Components) error {
	cfg := c.config

	c.phrases = pipeline.DefaultPhrases()
	if cfg.PhrasesFile != "" {
		p, err := pipeline.LoadPhrases(cfg.PhrasesFile)
		if err != nil {
			return err
		}
		c.phrases = p
		slog.Info("[App] Phrases loaded", "path", cfg.PhrasesFile)
	}

	if cfg.OpenAIAPIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
		}
		client := openai.NewClient(opts...)
		c.openai = &client
	}

	var err error
	if c.store, err = c.buildStore(ctx, comps.Store); err != nil {
		return err
	}
	if c.recognizers, err = c.buildRecognizers(comps.Recognizers); err != nil {
		return err
	}
	if c.processor, err = c.buildProcessor(ctx, comps.Processor); err != nil {
		return err
	}
	c.callctl = c.buildCallCtl(comps.CallCtl)
	if c.sink, err = c.buildSink(ctx, comps.Transcripts); err != nil {
		return err
	}
	if c.synth, err = c.buildSynthesizer(comps.Synthesizer); err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	c.orchestrator = pipeline.New(pipeline.Config{
		SilenceTimeout: cfg.SilenceTimeout,
		TurnTimeout:    cfg.TurnTimeout,
		FillerDelay:    cfg.FillerDelay,
		Stream: stt.StreamConfig{
			Language:   cfg.STTLanguage,
			SampleRate: cfg.SampleRate,
			Encoding:   cfg.STTEncoding,
			Model:      cfg.STTModel,
		},
		Now: func() time.Time { return time.Now().In(loc) },
	}, pipeline.Deps{
		Store:      c.store,
		Transferer: c.callctl,
		Phrases:    c.phrases,
	})

	c.listener = audiosocket.NewListener(c.handleCall, audiosocket.ListenerConfig{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		MaxCalls:         cfg.MaxCalls,
		Conn: audiosocket.ConnConfig{
			Format:        c.format,
			FrameInterval: c.format.FrameDur,
			WriteTimeout:  5 * time.Second,
		},
	})
	c.apiServer = api.NewServer(cfg.HTTPAddr, c.registry, c.listener, cfg.MaxCalls)

	if cfg.GRPCAddr != "" {
		c.health = health.NewServer()
		c.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(c.grpcServer, c.health)
		c.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return nil
}

func (c *CallCenter) buildStore(ctx context.Context, store session.Store) (session.Store, error) {
	if store != nil {
		return store, nil
	}
	if c.config.RedisAddr == "" {
		mem := session.NewMemoryStore(c.config.SessionTTL)
		c.closers = append(c.closers, mem.Close)
		slog.Info("[App] Sessions kept in memory", "ttl", c.config.SessionTTL)
		return mem, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := session.DialRedis(dialCtx, c.config.RedisAddr, c.config.RedisPassword, c.config.RedisDB)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, client.Close)
	slog.Info("[App] Sessions stored in Redis", "addr", c.config.RedisAddr, "ttl", c.config.SessionTTL)
	return session.NewRedisStore(client, c.config.SessionTTL), nil
}

func (c *CallCenter) buildRecognizers(factory stt.Factory) (stt.Factory, error) {
	if factory != nil {
		return factory, nil
	}
	if c.config.STTURL == "" {
		return nil, errors.New("no speech recognizer configured, set STT_URL")
	}
	primary := stt.NewWebSocketFactory(stt.WebSocketConfig{URL: c.config.STTURL, APIKey: c.config.STTAPIKey})
	if c.config.STTFallbackURL == "" {
		return primary, nil
	}
	secondary := stt.NewWebSocketFactory(stt.WebSocketConfig{URL: c.config.STTFallbackURL, APIKey: c.config.STTAPIKey})
	return stt.NewFallbackFactory(primary, secondary), nil
}

func (c *CallCenter) buildProcessor(ctx context.Context, tp agent.TurnProcessor) (agent.TurnProcessor, error) {
	if tp != nil {
		return tp, nil
	}
	cfg := c.config
	switch {
	case cfg.LLMProvider == "gemini" && cfg.GeminiAPIKey != "":
		cc := &genai.ClientConfig{APIKey: cfg.GeminiAPIKey, Backend: genai.BackendGeminiAPI}
		if cfg.GeminiBaseURL != "" {
			cc.HTTPOptions.BaseURL = cfg.GeminiBaseURL
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		slog.Info("[App] Turns processed by Gemini", "model", cmp.Or(cfg.LLMModel, agent.DefaultGeminiModel))
		return agent.NewGeminiProcessor(client, agent.GeminiConfig{Model: cfg.LLMModel}), nil
	case cfg.LLMProvider != "gemini" && c.openai != nil:
		slog.Info("[App] Turns processed by OpenAI", "model", cmp.Or(cfg.LLMModel, agent.DefaultModel))
		return agent.NewOpenAIProcessor(*c.openai, agent.OpenAIConfig{Model: cfg.LLMModel}), nil
	}
	slog.Warn("[App] No language model configured, every caller is sent to an operator", "provider", cfg.LLMProvider)
	return agent.Func(func(context.Context, string, []session.DialogTurn) (agent.Reply, error) {
		return agent.Reply{Transfer: &agent.TransferRequest{Reason: "assistant unavailable"}}, nil
	}), nil
}

func (c *CallCenter) buildCallCtl(ctl callctl.Controller) callctl.Controller {
	if ctl != nil {
		return ctl
	}
	if c.config.CallCtlURL == "" {
		return callctl.Noop{}
	}
	return callctl.NewClient(c.config.CallCtlURL, 5*time.Second)
}

func (c *CallCenter) buildSink(ctx context.Context, sink transcripts.Sink) (transcripts.Sink, error) {
	if sink == nil && c.config.TranscriptsDSN != "" {
		pg, err := transcripts.NewPostgresSink(ctx, c.config.TranscriptsDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("[App] Transcripts stored in PostgreSQL", "table", transcripts.DefaultTable)
		sink = transcripts.NewAsyncSink(pg, 256, 10*time.Second)
	}
	if sink == nil {
		sink = transcripts.NewLoggingSink(slog.Default())
	}
	c.closers = append(c.closers, sink.Close)
	return sink, nil
}

func (c *CallCenter) buildSynthesizer(syn tts.Synthesizer) (*tts.Registry, error) {
	if syn == nil {
		syn = c.voiceBackend(c.config.Voice)
	}
	dir := c.config.PhraseAudioDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("phrase audio dir: %w", err)
		}
	}
	return tts.NewRegistry(tts.NewPhraseCache(syn, c.format, dir)), nil
}

// voiceBackend returns the speech engine for v, or silence of matching
// length when no engine is configured.
func (c *CallCenter) voiceBackend(v config.Voice) tts.Synthesizer {
	if c.openai == nil {
		slog.Warn("[App] No speech synthesis configured, replies are silent")
		return tts.Silence{Format: c.format}
	}
	return tts.NewOpenAISynthesizer(*c.openai, tts.OpenAIConfig{
		Model:        v.Model,
		Voice:        v.Voice,
		Instructions: v.Instructions,
	}, c.format)
}

// Start warms the phrase cache and opens the listeners.
func (c *CallCenter) Start(ctx context.Context) error {
	c.warm(ctx, c.synth.Current())

	if err := c.apiServer.Start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	if c.grpcServer != nil {
		ln, err := net.Listen("tcp", c.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("start grpc: %w", err)
		}
		c.grpcLn = ln
		slog.Info("[App] gRPC health listening", "addr", ln.Addr().String())
		go func() {
			if err := c.grpcServer.Serve(ln); err != nil {
				slog.Error("[App] gRPC server error", "error", err)
			}
		}()
	}

	if err := c.listener.Start(ctx, c.config.ListenAddr); err != nil {
		return err
	}
	if c.health != nil {
		c.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return nil
}

func (c *CallCenter) warm(ctx context.Context, syn tts.Synthesizer) {
	cache, ok := syn.(*tts.PhraseCache)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	if err := cache.Warm(wctx, c.phrases.Static()); err != nil {
		slog.Warn("[App] Phrase cache incomplete, missing phrases are synthesized per call", "error", err)
	}
	slog.Info("[App] Phrase cache ready", "phrases", cache.Len())
}

// ReloadVoice switches calls to new voice settings. Calls already speaking
// finish their current reply with the old voice.
func (c *CallCenter) ReloadVoice(ctx context.Context, v config.Voice) {
	if c.openai == nil {
		slog.Warn("[App] Voice reload ignored, no speech synthesis configured")
		return
	}
	cache := tts.NewPhraseCache(c.voiceBackend(v), c.format, "")
	c.warm(ctx, cache)
	c.synth.Swap(cache)
	c.config.Voice = v
	slog.Info("[App] Voice reloaded", "model", v.Model, "voice", v.Voice)
}

// ListenAddr returns the bound AudioSocket address.
func (c *CallCenter) ListenAddr() net.Addr { return c.listener.Addr() }

// HTTPAddr returns the bound HTTP API address.
func (c *CallCenter) HTTPAddr() net.Addr { return c.apiServer.Addr() }

// GRPCAddr returns the bound gRPC address, or nil when disabled.
func (c *CallCenter) GRPCAddr() net.Addr {
	if c.grpcLn == nil {
		return nil
	}
	return c.grpcLn.Addr()
}

func (c *CallCenter) handleCall(ctx context.Context, conn *audiosocket.Conn) {
	c.calls.Add(1)
	c.active.Add(1)
	defer func() {
		c.active.Add(-1)
		c.calls.Done()
	}()

	callID := conn.ID().String()
	log := slog.With("call_id", callID)
	sess := session.New(callID, time.Now())

	c.registry.Add(sess, conn.RemoteAddr().String())
	defer c.registry.Remove(callID)

	lookupDone := make(chan struct{})
	go func() {
		defer close(lookupDone)
		lctx, cancel := context.WithTimeout(ctx, callerLookupTimeout)
		defer cancel()
		phone, err := c.callctl.CallerID(lctx, callID)
		if err != nil {
			log.Warn("[App] Caller lookup failed", "error", err)
			return
		}
		if phone != "" {
			sess.SetCallerPhone(phone)
			log.Info("[App] Caller identified", "caller", phone)
		}
	}()

	c.orchestrator.Run(ctx, conn, c.recognizers(), c.synth, c.processor, sess)
	conn.Close()
	<-lookupDone

	c.sink.PublishAsync(transcripts.FromSession(sess, time.Now()))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.store.Delete(dctx, callID); err != nil {
		log.Warn("[App] Session delete failed", "error", err)
	}
}

// Shutdown stops accepting calls and waits for active calls to finish up to
// the configured shutdown timeout.
func (c *CallCenter) Shutdown(ctx context.Context) error {
	if c.health != nil {
		c.health.Shutdown()
	}
	err := c.listener.Stop(ctx)

	// calls whose collaborators ignore cancellation are abandoned
	drained := make(chan struct{})
	go func() {
		c.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("[App] Abandoned calls on shutdown", "count", c.active.Load())
		if err == nil {
			err = ctx.Err()
		}
	}

	// the remaining servers get a short grace period even after ctx expired
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if c.apiServer != nil {
		if serr := c.apiServer.Stop(tctx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
			slog.Warn("[App] API shutdown failed", "error", serr)
		}
	}
	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}
	if c.sink != nil {
		fctx := ctx
		if ctx.Err() != nil {
			fctx = tctx
		}
		if ferr := c.sink.Flush(fctx); ferr != nil {
			slog.Warn("[App] Transcripts not flushed", "error", ferr)
		}
	}
	return err
}

// Close releases stores and sinks.
func (c *CallCenter) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
