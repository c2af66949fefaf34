package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/svv2602/call-center-sub002/internal/callcenter/media"
)

// WebSocketConfig locates a streaming recognition endpoint.
type WebSocketConfig struct {
	URL              string // ws:// or wss:// endpoint
	APIKey           string
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration // how long StopStream waits for the engine to flush
}

// WebSocketRecognizer streams audio as binary messages and receives JSON
// transcript messages:
//
//	{"type":"transcript","text":"...","is_final":true,"confidence":0.93,"language":"uk"}
//	{"type":"done"}
//	{"type":"error","error":"..."}
type WebSocketRecognizer struct {
	cfg WebSocketConfig

	conn        *websocket.Conn
	encoding    string
	transcripts chan Transcript
	done        chan struct{} // closed when StopStream begins
	readDone    chan struct{} // closed when readLoop exits
	started     atomic.Bool
	closed      atomic.Bool
	stopOnce    sync.Once
	writeMu     sync.Mutex
	log         *slog.Logger
}

// NewWebSocketRecognizer creates an unstarted recognizer.
func NewWebSocketRecognizer(cfg WebSocketConfig) *WebSocketRecognizer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &WebSocketRecognizer{
		cfg:         cfg,
		transcripts: make(chan Transcript, 100),
		done:        make(chan struct{}),
		readDone:    make(chan struct{}),
		log:         slog.Default(),
	}
}

// NewWebSocketFactory returns a Factory producing recognizers for cfg.
func NewWebSocketFactory(cfg WebSocketConfig) Factory {
	return func() Recognizer { return NewWebSocketRecognizer(cfg) }
}

// StartStream implements Recognizer
func (r *WebSocketRecognizer) StartStream(ctx context.Context, cfg StreamConfig) error {
	if r.closed.Load() || !r.started.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse websocket URL: %w", err)
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingPCM16
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = media.PCM16k.SampleRate
	}

	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if r.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		r.closed.Store(true)
		close(r.transcripts)
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	r.conn = conn
	r.encoding = encoding
	r.log.Debug("[STT] Stream started", "url", r.cfg.URL, "language", cfg.Language, "encoding", encoding, "sample_rate", sampleRate)
	go r.readLoop()
	return nil
}

type wsMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Error      string  `json:"error"`
}

func (r *WebSocketRecognizer) readLoop() {
	defer func() {
		r.closed.Store(true)
		close(r.transcripts)
		close(r.readDone)
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.isStopping() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Warn("[STT] Stream read failed", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Debug("[STT] Ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "transcript":
			t := Transcript{
				Text:       msg.Text,
				IsFinal:    msg.IsFinal,
				Confidence: msg.Confidence,
				Language:   msg.Language,
			}
			select {
			case r.transcripts <- t:
			case <-r.done:
				return
			}
		case "done":
			return
		case "error":
			r.log.Warn("[STT] Engine reported error", "error", msg.Error)
			return
		}
	}
}

func (r *WebSocketRecognizer) isStopping() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// FeedAudio implements Recognizer. pcm is 16-bit little-endian at the stream's sample rate.
func (r *WebSocketRecognizer) FeedAudio(pcm []byte) error {
	if !r.started.Load() || r.conn == nil {
		return ErrStreamNotStarted
	}
	if r.closed.Load() {
		return ErrStreamClosed
	}
	if r.encoding == EncodingMulaw {
		pcm = media.EncodeUlaw(pcm)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Transcripts implements Recognizer
func (r *WebSocketRecognizer) Transcripts() <-chan Transcript {
	return r.transcripts
}

// StopStream asks the engine to flush, waits briefly for the final results
// and closes the socket.
func (r *WebSocketRecognizer) StopStream() error {
	var err error
	r.stopOnce.Do(func() {
		if r.conn == nil {
			if !r.closed.Swap(true) {
				close(r.transcripts)
			}
			close(r.done)
			return
		}

		r.writeMu.Lock()
		_ = r.conn.WriteMessage(websocket.TextMessage, []byte("done"))
		r.writeMu.Unlock()

		select {
		case <-r.readDone:
		case <-time.After(r.cfg.StopTimeout):
		}
		close(r.done)

		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
		<-r.readDone
	})
	return err
}
