package audiosocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrHandshake is wrapped by errors for sockets whose first frame is not a valid identifier.
var ErrHandshake = errors.New("audiosocket: bad handshake")

// HandshakeError records which socket failed the identifier exchange.
type HandshakeError struct {
	Remote string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake from %s: %v", e.Remote, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Handler serves one call. The connection is closed when it returns.
type Handler func(ctx context.Context, c *Conn)

// ListenerConfig holds the accept-side limits.
type ListenerConfig struct {
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	MaxCalls         int // 0 means unlimited
	Conn             ConnConfig
}

// DefaultListenerConfig returns the production defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		HandshakeTimeout: 5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		Conn:             DefaultConnConfig(),
	}
}

// Listener accepts PBX sockets and runs a Handler per call.
type Listener struct {
	cfg     ListenerConfig
	handler Handler
	sem     *semaphore.Weighted

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sockets map[net.Conn]struct{}
	active  atomic.Int64

	stopping atomic.Bool
}

// NewListener creates a listener. Zero timeouts fall back to the defaults.
func NewListener(handler Handler, cfg ListenerConfig) *Listener {
	def := DefaultListenerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	l := &Listener{
		cfg:     cfg,
		handler: handler,
		sockets: make(map[net.Conn]struct{}),
	}
	if cfg.MaxCalls > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxCalls))
	}
	return l
}

// Start binds address and begins accepting in the background.
func (l *Listener) Start(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)

	slog.Info("[Listener] Accepting calls", "addr", ln.Addr().String(), "max_calls", l.cfg.MaxCalls)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ActiveConnections returns the number of calls past the handshake.
func (l *Listener) ActiveConnections() int {
	return int(l.active.Load())
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[Listener] Accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !l.track(nc) {
			nc.Close()
			return
		}
		go l.serve(nc)
	}
}

func (l *Listener) serve(nc net.Conn) {
	defer l.wg.Done()
	defer l.untrack(nc)

	remote := nc.RemoteAddr().String()

	if l.sem != nil {
		if !l.sem.TryAcquire(1) {
			slog.Warn("[Listener] Call rejected, at capacity", "remote", remote, "max_calls", l.cfg.MaxCalls)
			_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = nc.Write(HangupFrame())
			nc.Close()
			return
		}
		defer l.sem.Release(1)
	}

	id, err := l.handshake(nc)
	if err != nil {
		slog.Warn("[Listener] Dropping connection", "error", err)
		nc.Close()
		return
	}

	conn := NewConn(id, nc, l.cfg.Conn)
	defer conn.Close()

	l.active.Add(1)
	defer l.active.Add(-1)

	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()

	slog.Info("[Listener] Call connected", "call_id", id.String(), "remote", remote)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Listener] Handler panic", "call_id", id.String(), "panic", r, "stack", string(debug.Stack()))
		}
		slog.Info("[Listener] Call finished", "call_id", id.String())
	}()

	l.handler(ctx, conn)
}

func (l *Listener) handshake(nc net.Conn) (uuid.UUID, error) {
	remote := nc.RemoteAddr().String()
	fail := func(err error) (uuid.UUID, error) {
		return uuid.Nil, &HandshakeError{Remote: remote, Err: err}
	}

	if err := nc.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		return fail(err)
	}
	pkt, err := ReadFrame(nc)
	if err != nil {
		return fail(err)
	}
	if pkt.Kind != KindID {
		return fail(fmt.Errorf("%w: expected id frame, got %s", ErrHandshake, pkt.Kind))
	}
	if len(pkt.Payload) != 16 {
		return fail(fmt.Errorf("%w: id payload is %d bytes", ErrHandshake, len(pkt.Payload)))
	}
	id, err := uuid.FromBytes(pkt.Payload)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshake, err))
	}
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		return fail(err)
	}
	return id, nil
}

// track registers a socket with the wait group. It refuses once Stop has begun.
func (l *Listener) track(nc net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping.Load() {
		return false
	}
	l.sockets[nc] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(nc net.Conn) {
	l.mu.Lock()
	delete(l.sockets, nc)
	l.mu.Unlock()
}

// Stop stops accepting and cancels every call. It waits for handlers up to
// the shutdown timeout or until ctx is done, then force-closes what is left.
func (l *Listener) Stop(ctx context.Context) error {
	if l.ln == nil {
		return nil
	}
	l.mu.Lock()
	first := l.stopping.CompareAndSwap(false, true)
	l.mu.Unlock()
	if !first {
		return nil
	}

	_ = l.ln.Close()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		slog.Info("[Listener] Stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.mu.Lock()
	n := len(l.sockets)
	for nc := range l.sockets {
		nc.Close()
	}
	l.mu.Unlock()

	slog.Warn("[Listener] Force-closed calls on shutdown", "count", n)
	return fmt.Errorf("audiosocket: %d calls force-closed", n)
}
