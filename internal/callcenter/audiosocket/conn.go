package audiosocket

import (
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

// Interrupter reports whether outbound audio should stop.
type Interrupter interface {
	Interrupted() bool
}

// InterruptFunc adapts a function to Interrupter.
type InterruptFunc func() bool

// Interrupted implements Interrupter
func (f InterruptFunc) Interrupted() bool { return f() }

// ConnConfig controls outbound framing and pacing.
type ConnConfig struct {
	Format        media.Format
	FrameInterval time.Duration // pacing between audio frames, 0 writes as fast as possible
	WriteTimeout  time.Duration // per-frame write deadline, 0 disables it
}

// DefaultConnConfig returns real-time pacing for 16 kHz audio.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Format:        media.PCM16k,
		FrameInterval: media.PCM16k.FrameDur,
		WriteTimeout:  5 * time.Second,
	}
}

// Conn is one call's audio socket.
// Reads happen on a single goroutine; SendAudio, SendHangup and Close may be
// called from any goroutine.
type Conn struct {
	id  uuid.UUID
	nc  net.Conn
	cfg ConnConfig
	log *slog.Logger

	writeMu       sync.Mutex
	closed        atomic.Bool
	readCancelled atomic.Bool
	closeOnce     sync.Once
}

// NewConn wraps a socket whose identifier frame has already been read.
func NewConn(id uuid.UUID, nc net.Conn, cfg ConnConfig) *Conn {
	if cfg.Format.FrameBytes() == 0 {
		cfg.Format = media.PCM16k
	}
	return &Conn{
		id:  id,
		nc:  nc,
		cfg: cfg,
		log: slog.Default().With("call_id", id.String()),
	}
}

// ID returns the call identifier from the handshake.
func (c *Conn) ID() uuid.UUID { return c.id }

// RemoteAddr returns the PBX side of the socket.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Closed reports whether the connection was closed locally or by an I/O error.
func (c *Conn) Closed() bool { return c.closed.Load() }

// ReadPacket blocks for the next frame.
// It returns ok=false on end of stream, hangup, read failure, or after
// Close/CancelRead. Error frames are logged and returned with ok=true.
func (c *Conn) ReadPacket() (Packet, bool) {
	if c.closed.Load() || c.readCancelled.Load() {
		return Packet{}, false
	}

	pkt, err := ReadFrame(c.nc)
	if err != nil {
		switch {
		case c.readCancelled.Load():
			c.log.Debug("[Conn] Read cancelled")
			return Packet{}, false
		case c.closed.Load():
		case errors.Is(err, io.EOF):
			c.log.Debug("[Conn] Caller closed stream")
		case errors.Is(err, ErrShortRead):
			c.log.Warn("[Conn] Truncated frame", "error", err)
		default:
			c.log.Warn("[Conn] Read failed", "error", err)
		}
		c.Close()
		return Packet{}, false
	}

	switch pkt.Kind {
	case KindHangup:
		c.log.Debug("[Conn] Hangup received")
		return pkt, false
	case KindError:
		c.log.Warn("[Conn] Error frame received", "payload", describePayload(pkt.Payload))
	}
	return pkt, true
}

func describePayload(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	if utf8.Valid(p) {
		return string(p)
	}
	return hex.EncodeToString(p)
}

// SendAudio writes pcm as fixed-size audio frames, padding the last one with
// silence. stop is checked before and after every frame; when it fires the
// remaining frames are dropped. The return value reports whether playback was
// cut short by stop or by a write failure.
func (c *Conn) SendAudio(pcm []byte, stop Interrupter) bool {
	frames := c.cfg.Format.Frames(pcm)
	if len(frames) == 0 {
		return interrupted(stop)
	}

	var tick <-chan time.Time
	if c.cfg.FrameInterval > 0 && len(frames) > 1 {
		ticker := time.NewTicker(c.cfg.FrameInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i, frame := range frames {
		if i > 0 && tick != nil {
			<-tick
		}
		if interrupted(stop) || c.closed.Load() {
			c.log.Debug("[Conn] Playback stopped", "sent_frames", i, "total_frames", len(frames))
			return true
		}
		if err := c.write(BuildAudioFrame(frame)); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Warn("[Conn] Audio write failed", "error", err)
			}
			c.Close()
			return true
		}
		if interrupted(stop) {
			c.log.Debug("[Conn] Playback stopped", "sent_frames", i+1, "total_frames", len(frames))
			return true
		}
	}
	return false
}

func interrupted(stop Interrupter) bool {
	return stop != nil && stop.Interrupted()
}

// SendHangup asks the PBX to end the call. Errors are ignored.
func (c *Conn) SendHangup() {
	if err := c.write(HangupFrame()); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("[Conn] Hangup write failed", "error", err)
	}
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := c.nc.Write(frame)
	return err
}

// CancelRead unblocks a pending ReadPacket without closing the socket.
func (c *Conn) CancelRead() {
	c.readCancelled.Store(true)
	_ = c.nc.SetReadDeadline(time.Now())
}

// Close closes the socket. It is safe to call more than once and concurrently
// with SendAudio.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}
