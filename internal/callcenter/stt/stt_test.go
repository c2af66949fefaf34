package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecognizer is a scripted Recognizer.
type fakeRecognizer struct {
	startErr error
	feedErr  error

	mu      sync.Mutex
	fed     [][]byte
	out     chan Transcript
	stopped bool
}

func newFake() *fakeRecognizer {
	return &fakeRecognizer{out: make(chan Transcript, 10)}
}

func (f *fakeRecognizer) StartStream(ctx context.Context, cfg StreamConfig) error {
	return f.startErr
}

func (f *fakeRecognizer) FeedAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return f.feedErr
	}
	f.fed = append(f.fed, pcm)
	return nil
}

func (f *fakeRecognizer) Transcripts() <-chan Transcript { return f.out }

func (f *fakeRecognizer) StopStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.out)
	}
	return nil
}

func (f *fakeRecognizer) fedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fed)
}

func TestFallbackUsesPrimary(t *testing.T) {
	primary, secondary := newFake(), newFake()
	fb := NewFallback(primary, secondary)

	require.NoError(t, fb.StartStream(context.Background(), StreamConfig{}))
	require.NoError(t, fb.FeedAudio([]byte{1, 2}))
	primary.out <- Transcript{Text: "hello", IsFinal: true}

	select {
	case tr := <-fb.Transcripts():
		assert.Equal(t, "hello", tr.Text)
	case <-time.After(time.Second):
		t.Fatal("transcript not forwarded")
	}

	require.NoError(t, fb.StopStream())
	assert.Equal(t, 1, primary.fedCount())
	assert.Equal(t, 0, secondary.fedCount())

	_, open := <-fb.Transcripts()
	assert.False(t, open)
}

func TestFallbackOnStartFailure(t *testing.T) {
	primary, secondary := newFake(), newFake()
	primary.startErr = errors.New("unreachable")
	fb := NewFallback(primary, secondary)

	require.NoError(t, fb.StartStream(context.Background(), StreamConfig{}))
	require.NoError(t, fb.FeedAudio([]byte{1}))
	assert.Equal(t, 1, secondary.fedCount())
	require.NoError(t, fb.StopStream())
}

func TestFallbackBothFail(t *testing.T) {
	primary, secondary := newFake(), newFake()
	primary.startErr = errors.New("a")
	secondary.startErr = errors.New("b")
	fb := NewFallback(primary, secondary)

	err := fb.StartStream(context.Background(), StreamConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, fb.FeedAudio([]byte{1}), ErrStreamNotStarted)
	require.NoError(t, fb.StopStream())
}

func TestFallbackSwitchesMidStream(t *testing.T) {
	primary, secondary := newFake(), newFake()
	fb := NewFallback(primary, secondary)
	require.NoError(t, fb.StartStream(context.Background(), StreamConfig{}))

	require.NoError(t, fb.FeedAudio([]byte{1}))
	primary.mu.Lock()
	primary.feedErr = errors.New("socket reset")
	primary.mu.Unlock()

	require.NoError(t, fb.FeedAudio([]byte{2}))
	require.NoError(t, fb.FeedAudio([]byte{3}))
	assert.Equal(t, 2, secondary.fedCount())

	secondary.out <- Transcript{Text: "from secondary", IsFinal: true}
	select {
	case tr := <-fb.Transcripts():
		assert.Equal(t, "from secondary", tr.Text)
	case <-time.After(time.Second):
		t.Fatal("secondary transcript not forwarded")
	}
	require.NoError(t, fb.StopStream())
}

// fakeEngine answers every binary message with an interim and a final transcript.
func fakeEngine(t *testing.T, gotQuery chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			gotQuery <- r.URL.RawQuery
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && string(data) == "done" {
				conn.WriteJSON(map[string]any{"type": "done"})
				return
			}
			conn.WriteJSON(map[string]any{"type": "transcript", "text": "hel", "is_final": false})
			msg, _ := json.Marshal(map[string]any{
				"type": "transcript", "text": "hello", "is_final": true, "confidence": 0.9, "language": "uk",
			})
			conn.WriteMessage(websocket.TextMessage, msg)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRecognizer(t *testing.T) {
	query := make(chan string, 1)
	srv := fakeEngine(t, query)
	defer srv.Close()

	rec := NewWebSocketRecognizer(WebSocketConfig{URL: wsURL(srv)})
	assert.ErrorIs(t, rec.FeedAudio([]byte{0, 0}), ErrStreamNotStarted)

	require.NoError(t, rec.StartStream(context.Background(), StreamConfig{Language: "uk", SampleRate: 16000, Encoding: EncodingMulaw}))
	q := <-query
	assert.Contains(t, q, "language=uk")
	assert.Contains(t, q, "encoding=pcm_mulaw")
	assert.Contains(t, q, "sample_rate=16000")

	require.NoError(t, rec.FeedAudio(make([]byte, 640)))

	first := <-rec.Transcripts()
	assert.False(t, first.IsFinal)
	second := <-rec.Transcripts()
	assert.True(t, second.IsFinal)
	assert.Equal(t, "hello", second.Text)
	assert.Equal(t, "uk", second.Language)
	assert.InDelta(t, 0.9, second.Confidence, 1e-9)

	require.NoError(t, rec.StopStream())
	for range rec.Transcripts() {
	}
	assert.ErrorIs(t, rec.FeedAudio([]byte{0, 0}), ErrStreamClosed)
	assert.ErrorIs(t, rec.StartStream(context.Background(), StreamConfig{}), ErrStreamClosed)
}

func TestWebSocketRecognizerDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := NewWebSocketRecognizer(WebSocketConfig{URL: wsURL(srv)})
	err := rec.StartStream(context.Background(), StreamConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, open := <-rec.Transcripts()
	assert.False(t, open)
	assert.NoError(t, rec.StopStream())
}

func TestWebSocketFallbackFactory(t *testing.T) {
	srv := fakeEngine(t, nil)
	defer srv.Close()

	factory := NewFallbackFactory(
		NewWebSocketFactory(WebSocketConfig{URL: "ws://127.0.0.1:1/unreachable", HandshakeTimeout: 200 * time.Millisecond}),
		NewWebSocketFactory(WebSocketConfig{URL: wsURL(srv)}),
	)
	rec := factory()
	require.NoError(t, rec.StartStream(context.Background(), StreamConfig{}))
	require.NoError(t, rec.FeedAudio(make([]byte, 640)))

	var final Transcript
	for tr := range rec.Transcripts() {
		if tr.IsFinal {
			final = tr
			break
		}
	}
	assert.Equal(t, "hello", final.Text)
	require.NoError(t, rec.StopStream())
}
