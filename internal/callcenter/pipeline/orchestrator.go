// Package pipeline drives one call from greeting to hangup: it feeds caller
// audio to the recognizer, hands final transcripts to the turn processor and
// speaks the replies, honouring barge-in and silence timeouts.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/svv2602/call-center-sub002/internal/callcenter/agent"
	"github.com/svv2602/call-center-sub002/internal/callcenter/audiosocket"
	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
	"github.com/svv2602/call-center-sub002/internal/callcenter/stt"
	"github.com/svv2602/call-center-sub002/internal/callcenter/tts"
)

var (
	errCallOver = errors.New("call over")
	errPanicked = errors.New("activity panicked")
)

// CallConn is the part of an audio socket the orchestrator needs.
type CallConn interface {
	ReadPacket() (audiosocket.Packet, bool)
	SendAudio(pcm []byte, stop audiosocket.Interrupter) bool
	SendHangup()
	CancelRead()
}

// Transferer hands a call over to a human operator.
type Transferer interface {
	Transfer(ctx context.Context, callID, reason string) error
}

// Config holds the per-call timing rules.
type Config struct {
	SilenceTimeout   time.Duration // wait for a final transcript
	TurnTimeout      time.Duration // upper bound for one turn processor call
	FillerDelay      time.Duration // speak a filler when processing takes longer, negative disables
	FarewellTimeout  time.Duration
	FarewellMinTurns int // caller turns needed before asking for a tailored farewell
	BargeInMinChars  int // non-space characters in an interim result that interrupt playback
	SaveTimeout      time.Duration

	Stream stt.StreamConfig
	Now    func() time.Time
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout:   10 * time.Second,
		TurnTimeout:      30 * time.Second,
		FillerDelay:      1500 * time.Millisecond,
		FarewellTimeout:  5 * time.Second,
		FarewellMinTurns: 3,
		BargeInMinChars:  3,
		SaveTimeout:      2 * time.Second,
		Stream: stt.StreamConfig{
			SampleRate: media.PCM16k.SampleRate,
			Encoding:   stt.EncodingPCM16,
		},
		Now: time.Now,
	}
}

// Deps are the collaborators shared by all calls. Store and Transferer are optional.
type Deps struct {
	Store      session.Store
	Transferer Transferer
	Phrases    Phrases
}

// Orchestrator runs calls. It is safe for concurrent use; all per-call state
// lives in Run.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	cfg.SilenceTimeout = cmp.Or(cfg.SilenceTimeout, def.SilenceTimeout)
	cfg.TurnTimeout = cmp.Or(cfg.TurnTimeout, def.TurnTimeout)
	cfg.FillerDelay = cmp.Or(cfg.FillerDelay, def.FillerDelay)
	cfg.FarewellTimeout = cmp.Or(cfg.FarewellTimeout, def.FarewellTimeout)
	cfg.FarewellMinTurns = cmp.Or(cfg.FarewellMinTurns, def.FarewellMinTurns)
	cfg.BargeInMinChars = cmp.Or(cfg.BargeInMinChars, def.BargeInMinChars)
	cfg.SaveTimeout = cmp.Or(cfg.SaveTimeout, def.SaveTimeout)
	cfg.Stream.SampleRate = cmp.Or(cfg.Stream.SampleRate, def.Stream.SampleRate)
	cfg.Stream.Encoding = cmp.Or(cfg.Stream.Encoding, def.Stream.Encoding)
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if deps.Phrases.Greeting == "" {
		deps.Phrases = DefaultPhrases()
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run handles the call until it ends. It never panics, always leaves sess in
// StateEnded and saves it a final time. Closing conn is up to the caller.
func (o *Orchestrator) Run(ctx context.Context, conn CallConn, rec stt.Recognizer, syn tts.Synthesizer, tp agent.TurnProcessor, sess *session.CallSession) {
	c := &call{
		cfg:      o.cfg,
		deps:     o.deps,
		phrases:  o.deps.Phrases,
		selector: newSelector(o.deps.Phrases),
		conn:     conn,
		rec:      rec,
		syn:      syn,
		tp:       tp,
		sess:     sess,
		log:      slog.With("call_id", sess.ID()),
		finals:   make(chan stt.Transcript, 8),
		done:     make(chan struct{}),
	}

	c.log.Info("[Pipeline] Call started")
	defer c.teardown(ctx)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("[Pipeline] Call panicked", "panic", r, "stack", string(debug.Stack()))
			c.apologize(ctx)
		}
	}()
	c.run(ctx)
}

// BargeIn is the per-call interruption flag. The transcript reader raises it
// while the assistant is speaking; raising it cancels the current playback.
type BargeIn struct {
	mu       sync.Mutex
	speaking bool
	cancel   context.CancelFunc
	raised   atomic.Bool
}

// begin marks the start of playback and returns a context that is cancelled
// on barge-in. end must be called when playback finishes.
func (b *BargeIn) begin(ctx context.Context) (context.Context, func()) {
	sctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.speaking = true
	b.cancel = cancel
	b.raised.Store(false)
	b.mu.Unlock()

	return sctx, func() {
		b.mu.Lock()
		b.speaking = false
		b.cancel = nil
		b.mu.Unlock()
		cancel()
	}
}

// Raise interrupts the current playback. It reports false when nothing is
// being spoken.
func (b *BargeIn) Raise() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.speaking {
		return false
	}
	b.raised.Store(true)
	b.cancel()
	return true
}

// Interrupted reports whether the current or last playback was cut short by the caller.
func (b *BargeIn) Interrupted() bool { return b.raised.Load() }

// Speaking reports whether playback is in progress.
func (b *BargeIn) Speaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

type call struct {
	cfg      Config
	deps     Deps
	phrases  Phrases
	selector *selector

	conn CallConn
	rec  stt.Recognizer
	syn  tts.Synthesizer
	tp   agent.TurnProcessor
	sess *session.CallSession
	log  *slog.Logger

	bargeIn     BargeIn
	finals      chan stt.Transcript
	done        chan struct{}
	readerDone  chan struct{}
	recStarted  bool
	remoteEnded atomic.Bool
}

func (c *call) now() time.Time { return c.cfg.Now() }

func (c *call) run(ctx context.Context) {
	c.sess.TransitionTo(session.StateGreeting)
	c.save(ctx)
	c.say(ctx, c.phrases.GreetingAt(c.now()))
	c.save(ctx)
	if ctx.Err() != nil {
		return
	}

	if err := c.rec.StartStream(ctx, c.cfg.Stream); err != nil {
		c.log.Error("[Pipeline] Recognizer unavailable", "error", err)
		c.say(ctx, c.phrases.Error)
		return
	}
	c.recStarted = true
	c.sess.TransitionTo(session.StateListening)
	c.save(ctx)

	c.readerDone = make(chan struct{})
	go c.readTranscripts()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, c.conn.CancelRead)
	defer stop()

	g.Go(c.guard("ingest", func() error { return c.ingest(gctx) }))
	g.Go(c.guard("turns", func() error { return c.turns(gctx) }))

	if err := g.Wait(); errors.Is(err, errPanicked) {
		c.apologize(ctx)
	}
}

func (c *call) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("[Pipeline] Activity panicked", "activity", name, "panic", r, "stack", string(debug.Stack()))
				err = errPanicked
			}
		}()
		return fn()
	}
}

// ingest forwards caller audio to the recognizer until the caller leaves or
// ctx is cancelled.
func (c *call) ingest(ctx context.Context) error {
	var frames int
	feedFailed := false
	for {
		pkt, ok := c.conn.ReadPacket()
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.remoteEnded.Store(true)
			c.log.Info("[Pipeline] Caller hung up", "frames", frames)
			return errCallOver
		}
		if pkt.Kind != audiosocket.KindAudio {
			continue
		}
		frames++
		if err := c.rec.FeedAudio(pkt.Payload); err != nil && !feedFailed {
			feedFailed = true
			c.log.Warn("[Pipeline] Recognizer rejected audio", "error", err)
		}
	}
}

// readTranscripts raises barge-in on caller speech and forwards finals to the
// turn loop. It ends when the recognizer closes its channel.
func (c *call) readTranscripts() {
	defer close(c.readerDone)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("[Pipeline] Transcript reader panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for t := range c.rec.Transcripts() {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if nonSpace(text) >= c.cfg.BargeInMinChars && c.bargeIn.Raise() {
			c.log.Info("[Pipeline] Barge-in", "text", text, "final", t.IsFinal)
		}
		if !t.IsFinal {
			continue
		}
		select {
		case c.finals <- t:
		case <-c.done:
			return
		}
	}
	select {
	case <-c.done:
	default:
		c.log.Warn("[Pipeline] Recognizer ended the stream")
	}
}

func nonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// turns runs the conversation until it ends.
func (c *call) turns(ctx context.Context) error {
	for {
		t, heard, err := c.awaitUtterance(ctx)
		if err != nil {
			return err
		}
		if !heard {
			if c.sess.RecordSilenceTimeout() {
				c.log.Info("[Pipeline] Caller silent, ending call", "timeouts", c.sess.TimeoutCount())
				c.farewell(ctx)
				return errCallOver
			}
			c.log.Debug("[Pipeline] Silence timeout, prompting caller")
			c.say(ctx, c.phrases.SilencePrompt)
			c.save(ctx)
			continue
		}

		over, err := c.handleTurn(ctx, t)
		if err != nil {
			return err
		}
		if over {
			return errCallOver
		}
	}
}

func (c *call) awaitUtterance(ctx context.Context) (stt.Transcript, bool, error) {
	timer := time.NewTimer(c.cfg.SilenceTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return stt.Transcript{}, false, ctx.Err()
	case t := <-c.finals:
		return t, true, nil
	case <-timer.C:
		return stt.Transcript{}, false, nil
	}
}

// handleTurn processes one caller utterance and reports whether the call is over.
func (c *call) handleTurn(ctx context.Context, t stt.Transcript) (bool, error) {
	text := strings.TrimSpace(t.Text)
	history := c.sess.Turns()

	var confidence *float64
	if t.Confidence > 0 {
		confidence = &t.Confidence
	}
	var language *string
	if t.Language != "" {
		language = &t.Language
	}
	c.sess.RecordUserTurn(text, confidence, language, c.now())
	c.sess.TransitionTo(session.StateProcessing)
	c.save(ctx)
	c.log.Info("[Pipeline] Caller said", "text", text)

	reply, err := c.process(ctx, text, history)
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if errors.Is(err, errPanicked) {
		return true, err
	}
	reply.Text = strings.TrimSpace(reply.Text)
	if err != nil || (reply.Text == "" && reply.Transfer == nil && !reply.EndCall) {
		if err != nil {
			c.log.Warn("[Pipeline] Turn failed", "error", err)
		} else {
			c.log.Warn("[Pipeline] Empty reply")
		}
		c.sess.TransitionTo(session.StateSpeaking)
		c.save(ctx)
		c.say(ctx, c.phrases.Error)
		c.sess.TransitionTo(session.StateListening)
		c.save(ctx)
		return false, nil
	}

	if reply.OrderID != "" {
		c.log.Info("[Pipeline] Order linked", "order_id", reply.OrderID)
		c.sess.LinkOrder(reply.OrderID)
	}

	c.sess.TransitionTo(session.StateSpeaking)
	c.save(ctx)
	c.say(ctx, reply.Text)

	switch {
	case reply.Transfer != nil:
		c.transfer(ctx, reply.Transfer.Reason)
		return true, nil
	case reply.EndCall:
		c.farewell(ctx)
		return true, nil
	}

	c.sess.TransitionTo(session.StateListening)
	c.save(ctx)
	return false, nil
}

type turnResult struct {
	reply agent.Reply
	err   error
}

// ask runs the turn processor on its own goroutine so a processor that
// ignores ctx cannot stall the call.
func (c *call) ask(ctx context.Context, text string, history []session.DialogTurn) <-chan turnResult {
	results := make(chan turnResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("[Pipeline] Turn processor panicked", "panic", r, "stack", string(debug.Stack()))
				results <- turnResult{err: errPanicked}
			}
		}()
		reply, err := c.tp.ProcessTurn(ctx, text, history)
		results <- turnResult{reply: reply, err: err}
	}()
	return results
}

// process asks for a reply within TurnTimeout, speaking one filler if the
// answer takes longer than FillerDelay.
func (c *call) process(ctx context.Context, text string, history []session.DialogTurn) (agent.Reply, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()
	results := c.ask(tctx, text, history)

	var filler <-chan time.Time
	if c.cfg.FillerDelay > 0 {
		timer := time.NewTimer(c.cfg.FillerDelay)
		defer timer.Stop()
		filler = timer.C
	}

	for {
		select {
		case res := <-results:
			return res.reply, res.err
		case <-filler:
			filler = nil
			if phrase := c.selector.Filler(text); phrase != "" {
				c.log.Debug("[Pipeline] Speaking filler", "text", phrase)
				_, _ = c.speak(ctx, phrase)
			}
		case <-tctx.Done():
			return agent.Reply{}, fmt.Errorf("turn processor: %w", tctx.Err())
		}
	}
}

func (c *call) transfer(ctx context.Context, reason string) {
	c.log.Info("[Pipeline] Transferring to operator", "reason", reason)
	c.say(ctx, c.phrases.Transfer)
	c.sess.MarkTransfer(reason)
	c.save(ctx)

	if c.deps.Transferer == nil {
		return
	}
	if err := c.deps.Transferer.Transfer(ctx, c.sess.ID(), reason); err != nil {
		c.log.Error("[Pipeline] Transfer request failed", "error", err)
	}
}

func (c *call) farewell(ctx context.Context) {
	c.say(ctx, c.farewellText(ctx))
}

// farewellText prefers the order confirmation, then a tailored goodbye for
// longer conversations, then the template.
func (c *call) farewellText(ctx context.Context) string {
	if orderID, ok := c.sess.OrderID(); ok {
		return c.phrases.OrderFarewellFor(orderID)
	}
	if c.sess.UserTurnCount() < c.cfg.FarewellMinTurns || c.phrases.FarewellInstruction == "" {
		return c.phrases.Farewell
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FarewellTimeout)
	defer cancel()
	select {
	case res := <-c.ask(fctx, c.phrases.FarewellInstruction, c.sess.Turns()):
		if res.err != nil {
			c.log.Debug("[Pipeline] Tailored farewell failed", "error", res.err)
			break
		}
		if line := firstLine(res.reply.Text); line != "" {
			return line
		}
	case <-fctx.Done():
		c.log.Debug("[Pipeline] Tailored farewell timed out")
	}
	return c.phrases.Farewell
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// say speaks text and records it as an assistant turn. If synthesis fails the
// error phrase is spoken instead.
func (c *call) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	spoken := text
	if _, err := c.speak(ctx, text); err != nil {
		c.log.Warn("[Pipeline] Synthesis failed", "error", err)
		if text != c.phrases.Error {
			spoken = c.phrases.Error
			if _, err := c.speak(ctx, spoken); err != nil {
				c.log.Warn("[Pipeline] Error phrase synthesis failed", "error", err)
			}
		}
	}
	c.sess.RecordAssistantTurn(spoken, c.now())
}

// speak streams text to the caller sentence by sentence. Barge-in or ctx
// cancellation stops it before the next sentence is synthesized and between
// frames. err is only set when synthesis failed without an interruption.
func (c *call) speak(ctx context.Context, text string) (interrupted bool, err error) {
	if ctx.Err() != nil {
		return true, nil
	}
	sctx, end := c.bargeIn.begin(ctx)
	defer end()
	stop := audiosocket.InterruptFunc(func() bool { return sctx.Err() != nil })

	stream := c.syn.SynthesizeStream(sctx, text)
	sent := 0
	for chunk := range stream.Seq() {
		if sctx.Err() != nil {
			interrupted = true
			break
		}
		if c.conn.SendAudio(chunk, stop) {
			interrupted = true
			break
		}
		sent++
	}

	if interrupted || sctx.Err() != nil {
		if c.bargeIn.Interrupted() {
			c.log.Info("[Pipeline] Playback interrupted by caller", "chunks_sent", sent)
		}
		return true, nil
	}
	return false, stream.Err()
}

// apologize speaks the error phrase after a failure, ignoring further panics.
func (c *call) apologize(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("[Pipeline] Error phrase panicked", "panic", r)
		}
	}()
	c.say(ctx, c.phrases.Error)
}

func (c *call) save(ctx context.Context) {
	if c.deps.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SaveTimeout)
	defer cancel()
	if err := c.deps.Store.Save(sctx, c.sess); err != nil {
		c.log.Warn("[Pipeline] Session save failed", "error", err)
	}
}

func (c *call) teardown(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("[Pipeline] Teardown panicked", "panic", r, "stack", string(debug.Stack()))
			c.sess.TransitionTo(session.StateEnded)
		}
	}()

	close(c.done)
	if c.recStarted {
		if err := c.rec.StopStream(); err != nil {
			c.log.Warn("[Pipeline] Recognizer stop failed", "error", err)
		}
	}
	if c.readerDone != nil {
		select {
		case <-c.readerDone:
		case <-time.After(c.cfg.SaveTimeout):
			c.log.Warn("[Pipeline] Transcript reader did not finish")
		}
	}

	c.sess.TransitionTo(session.StateEnded)
	if !c.remoteEnded.Load() {
		c.conn.SendHangup()
	}
	c.save(ctx)

	transferred, _ := c.sess.Transferred()
	c.log.Info("[Pipeline] Call finished",
		"turns", len(c.sess.Turns()),
		"user_turns", c.sess.UserTurnCount(),
		"transferred", transferred,
		"duration", c.now().Sub(c.sess.StartedAt()).Round(time.Millisecond))
}
