package audiosocket

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

func testConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConn(uuid.New(), server, ConnConfig{Format: media.PCM16k, WriteTimeout: 2 * time.Second})
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})
	return c, client
}

// collect reads frames from the peer until it sees n audio frames or the stream ends.
func collect(peer net.Conn, n int) <-chan []Packet {
	out := make(chan []Packet, 1)
	go func() {
		var pkts []Packet
		for len(pkts) < n {
			pkt, err := ReadFrame(peer)
			if err != nil {
				break
			}
			pkts = append(pkts, pkt)
		}
		out <- pkts
	}()
	return out
}

func TestReadPacketKinds(t *testing.T) {
	c, peer := testConn(t)

	go func() {
		peer.Write(BuildAudioFrame([]byte{1, 2, 3, 4}))
		peer.Write(BuildFrame(KindError, []byte("codec mismatch")))
		peer.Write(HangupFrame())
	}()

	pkt, ok := c.ReadPacket()
	require.True(t, ok)
	assert.Equal(t, KindAudio, pkt.Kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, pkt.Payload)

	pkt, ok = c.ReadPacket()
	require.True(t, ok)
	assert.Equal(t, KindError, pkt.Kind)

	_, ok = c.ReadPacket()
	assert.False(t, ok)
}

func TestReadPacketEOFClosesConn(t *testing.T) {
	c, peer := testConn(t)
	peer.Close()

	_, ok := c.ReadPacket()
	assert.False(t, ok)
	assert.True(t, c.Closed())

	_, ok = c.ReadPacket()
	assert.False(t, ok)
}

func TestSendAudioPadsAndFrames(t *testing.T) {
	c, peer := testConn(t)
	got := collect(peer, 3)

	pcm := bytes.Repeat([]byte{0x11}, 640*2+10)
	assert.False(t, c.SendAudio(pcm, nil))

	pkts := <-got
	require.Len(t, pkts, 3)
	for _, p := range pkts {
		assert.Equal(t, KindAudio, p.Kind)
		assert.Len(t, p.Payload, 640)
	}
	assert.Equal(t, byte(0x11), pkts[2].Payload[9])
	assert.Equal(t, byte(0), pkts[2].Payload[10])
}

func TestSendAudioInterrupted(t *testing.T) {
	c, peer := testConn(t)
	got := collect(peer, 10)

	var sent atomic.Int32
	stop := InterruptFunc(func() bool {
		// allow exactly two frames: checked before and after each write
		return sent.Add(1) > 4
	})

	assert.True(t, c.SendAudio(make([]byte, 640*10), stop))
	c.Close()

	pkts := <-got
	assert.Len(t, pkts, 2)
}

func TestSendAudioAlreadyInterrupted(t *testing.T) {
	c, _ := testConn(t)
	stop := InterruptFunc(func() bool { return true })
	assert.True(t, c.SendAudio(make([]byte, 640), stop))
}

func TestSendAudioPacing(t *testing.T) {
	server, peer := net.Pipe()
	c := NewConn(uuid.New(), server, ConnConfig{Format: media.PCM16k, FrameInterval: 10 * time.Millisecond})
	defer c.Close()
	defer peer.Close()
	got := collect(peer, 5)

	start := time.Now()
	assert.False(t, c.SendAudio(make([]byte, 640*5), nil))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Len(t, <-got, 5)
}

func TestSendAudioInterruptedDuringPacing(t *testing.T) {
	server, peer := net.Pipe()
	c := NewConn(uuid.New(), server, ConnConfig{Format: media.PCM16k, FrameInterval: 50 * time.Millisecond})
	defer c.Close()
	defer peer.Close()

	var raised atomic.Bool
	frames := make(chan int, 1)
	go func() {
		n := 0
		for {
			if _, err := ReadFrame(peer); err != nil {
				frames <- n
				return
			}
			n++
			// caller starts talking while the next frame is pending
			raised.Store(true)
		}
	}()

	assert.True(t, c.SendAudio(make([]byte, 640*5), InterruptFunc(raised.Load)))
	c.Close()
	assert.Equal(t, 1, <-frames)
}

func TestSendAudioAfterClose(t *testing.T) {
	c, _ := testConn(t)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.True(t, c.SendAudio(make([]byte, 640), nil))
}

func TestCloseDuringSendAudio(t *testing.T) {
	c, peer := testConn(t)

	// peer never reads, so the first write blocks until Close
	done := make(chan bool, 1)
	go func() {
		done <- c.SendAudio(make([]byte, 640*50), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case interrupted := <-done:
		assert.True(t, interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("SendAudio did not return after Close")
	}
	_ = peer
}

func TestCancelReadUnblocks(t *testing.T) {
	c, _ := testConn(t)

	done := make(chan bool, 1)
	go func() {
		_, ok := c.ReadPacket()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	c.CancelRead()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadPacket did not return after CancelRead")
	}
	assert.False(t, c.Closed())
}

func TestSendHangup(t *testing.T) {
	c, peer := testConn(t)
	got := collect(peer, 1)
	c.SendHangup()

	pkts := <-got
	require.Len(t, pkts, 1)
	assert.Equal(t, KindHangup, pkts[0].Kind)
}
