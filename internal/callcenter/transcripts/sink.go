// Package transcripts persists finished call dialogs.
package transcripts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

// Transcript is the record of one finished call.
type Transcript struct {
	CallID         string               `json:"call_id"`
	CallerPhone    string               `json:"caller_phone,omitempty"`
	OrderID        string               `json:"order_id,omitempty"`
	Language       string               `json:"language,omitempty"`
	Transferred    bool                 `json:"transferred"`
	TransferReason string               `json:"transfer_reason,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	EndedAt        time.Time            `json:"ended_at"`
	Turns          []session.DialogTurn `json:"turns"`
}

// FromSession snapshots a session.
func FromSession(s *session.CallSession, endedAt time.Time) Transcript {
	t := Transcript{
		CallID:    s.ID(),
		Language:  s.Language(),
		StartedAt: s.StartedAt().UTC(),
		EndedAt:   endedAt.UTC(),
		Turns:     s.Turns(),
	}
	t.CallerPhone, _ = s.CallerPhone()
	t.OrderID, _ = s.OrderID()
	t.Transferred, t.TransferReason = s.Transferred()
	return t
}

// Sink receives finished transcripts.
type Sink interface {
	// Publish stores a transcript and waits for the result.
	Publish(ctx context.Context, t Transcript) error

	// PublishAsync stores a transcript without waiting. Failures are logged.
	PublishAsync(t Transcript)

	// Flush waits until pending async transcripts are stored.
	Flush(ctx context.Context) error

	// Close releases resources. Calls Flush internally.
	Close() error
}

// NoopSink discards all transcripts. Use when no store is configured.
type NoopSink struct{}

// NewNoopSink creates a sink that silently discards transcripts.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) Publish(context.Context, Transcript) error { return nil }
func (NoopSink) PublishAsync(Transcript)                   {}
func (NoopSink) Flush(context.Context) error               { return nil }
func (NoopSink) Close() error                              { return nil }

// LoggingSink logs transcripts. Useful for development.
type LoggingSink struct {
	logger *slog.Logger
}

// NewLoggingSink creates a sink that logs transcripts.
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Publish(_ context.Context, t Transcript) error {
	s.logger.Info("[Transcripts] Call transcript",
		"call_id", t.CallID,
		"caller", t.CallerPhone,
		"order_id", t.OrderID,
		"transferred", t.Transferred,
		"turns", len(t.Turns),
		"duration", t.EndedAt.Sub(t.StartedAt).Round(time.Second),
	)
	for _, turn := range t.Turns {
		s.logger.Debug("[Transcripts] Turn", "call_id", t.CallID, "speaker", turn.Speaker, "text", turn.Content)
	}
	return nil
}

func (s *LoggingSink) PublishAsync(t Transcript) {
	_ = s.Publish(context.Background(), t)
}

func (s *LoggingSink) Flush(context.Context) error { return nil }
func (s *LoggingSink) Close() error                { return nil }

// AsyncSink queues transcripts for a slower sink and stores them on a single
// worker. Transcripts are dropped, with a warning, when the queue is full.
type AsyncSink struct {
	next    Sink
	timeout time.Duration

	mu       sync.RWMutex
	queue    chan Transcript
	closed   bool
	inflight atomic.Int64
	dropped  atomic.Int64
	wg       sync.WaitGroup
}

// NewAsyncSink wraps next with a queue of the given size. Each store attempt
// is bounded by timeout.
func NewAsyncSink(next Sink, size int, timeout time.Duration) *AsyncSink {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &AsyncSink{
		next:    next,
		timeout: timeout,
		queue:   make(chan Transcript, size),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for t := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Publish(ctx, t); err != nil {
			slog.Warn("[Transcripts] Store failed", "call_id", t.CallID, "error", err)
		}
		cancel()
		s.inflight.Add(-1)
	}
}

func (s *AsyncSink) Publish(ctx context.Context, t Transcript) error {
	return s.next.Publish(ctx, t)
}

func (s *AsyncSink) PublishAsync(t Transcript) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	s.inflight.Add(1)
	select {
	case s.queue <- t:
	default:
		s.inflight.Add(-1)
		s.dropped.Add(1)
		slog.Warn("[Transcripts] Queue full, transcript dropped", "call_id", t.CallID)
	}
}

// Flush waits until the queue has drained or ctx is done.
func (s *AsyncSink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return s.next.Flush(ctx)
}

// Close stores what is queued and closes the wrapped sink.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.next.Close()
}

// Dropped returns the number of transcripts lost to a full queue.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}
