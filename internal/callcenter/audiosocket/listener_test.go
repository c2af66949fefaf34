package audiosocket

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, cfg ListenerConfig, h Handler) *Listener {
	t.Helper()
	l := NewListener(h, cfg)
	require.NoError(t, l.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		l.Stop(ctx)
	})
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendID(t *testing.T, c net.Conn, id uuid.UUID) {
	t.Helper()
	_, err := c.Write(BuildFrame(KindID, id[:]))
	require.NoError(t, err)
}

func fastConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.Conn.FrameInterval = 0
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.ShutdownTimeout = 200 * time.Millisecond
	return cfg
}

// echoIDs reports each connected call id and reads until the caller goes away.
func echoIDs(ids chan<- uuid.UUID) Handler {
	return func(ctx context.Context, c *Conn) {
		ids <- c.ID()
		for {
			if _, ok := c.ReadPacket(); !ok {
				return
			}
		}
	}
}

func TestListenerHandshakeThenHangup(t *testing.T) {
	ids := make(chan uuid.UUID, 2)
	l := startListener(t, fastConfig(), echoIDs(ids))

	first := uuid.New()
	c := dial(t, l)
	sendID(t, c, first)

	select {
	case got := <-ids:
		assert.Equal(t, first, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	assert.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Write(HangupFrame())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return l.ActiveConnections() == 0 }, time.Second, 5*time.Millisecond)

	// the server closed its side after the handler returned
	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	second := uuid.New()
	sendID(t, dial(t, l), second)
	select {
	case got := <-ids:
		assert.Equal(t, second, got)
	case <-time.After(2 * time.Second):
		t.Fatal("second call not accepted")
	}
}

func TestListenerRejectsBadHandshake(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"audio first", BuildAudioFrame(make([]byte, 640))},
		{"short id", BuildFrame(KindID, make([]byte, 8))},
		{"truncated", BuildFrame(KindID, make([]byte, 16))[:10]},
		{"silent", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := make(chan struct{}, 1)
			l := startListener(t, fastConfig(), func(ctx context.Context, c *Conn) {
				called <- struct{}{}
			})

			c := dial(t, l)
			if tt.frame != nil {
				_, err := c.Write(tt.frame)
				require.NoError(t, err)
			}

			c.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err := c.Read(make([]byte, 1))
			assert.Error(t, err, "server should close the socket")

			select {
			case <-called:
				t.Fatal("handler invoked for bad handshake")
			default:
			}
			assert.Equal(t, 0, l.ActiveConnections())
		})
	}
}

func TestListenerMaxCalls(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxCalls = 1
	ids := make(chan uuid.UUID, 2)
	l := startListener(t, cfg, echoIDs(ids))

	sendID(t, dial(t, l), uuid.New())
	<-ids

	over := dial(t, l)
	over.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := ReadFrame(over)
	require.NoError(t, err)
	assert.Equal(t, KindHangup, pkt.Kind)
}

func TestListenerStopCancelsCalls(t *testing.T) {
	cfg := fastConfig()
	finished := make(chan struct{})
	l := NewListener(func(ctx context.Context, c *Conn) {
		<-ctx.Done()
		close(finished)
	}, cfg)
	require.NoError(t, l.Start(context.Background(), "127.0.0.1:0"))

	sendID(t, dial(t, l), uuid.New())
	require.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop(context.Background()))
	<-finished

	_, err := net.DialTimeout("tcp", l.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestListenerStopForceClosesStuckCalls(t *testing.T) {
	cfg := fastConfig()
	released := make(chan struct{})
	l := NewListener(func(ctx context.Context, c *Conn) {
		// ignores ctx; only returns when its socket dies
		for {
			if _, ok := c.ReadPacket(); !ok {
				close(released)
				return
			}
		}
	}, cfg)
	require.NoError(t, l.Start(context.Background(), "127.0.0.1:0"))

	sendID(t, dial(t, l), uuid.New())
	require.Eventually(t, func() bool { return l.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := l.Stop(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("stuck handler was not released by force close")
	}
}
