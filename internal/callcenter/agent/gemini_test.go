package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

func candidate(parts ...m) m {
	return m{"candidates": []any{m{
		"content":      m{"role": "model", "parts": parts},
		"finishReason": "STOP",
	}}}
}

// scriptedGemini serves successive generateContent responses and records
// each request body.
func scriptedGemini(t *testing.T, responses ...m) (*genai.Client, *[]m) {
	t.Helper()
	var mu sync.Mutex
	var requests []m

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		var body m
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, body)

		if len(requests) > len(responses) {
			http.Error(w, `{"error":{"code":500,"message":"unexpected request"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responses[len(requests)-1])
	}))
	t.Cleanup(srv.Close)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      "test",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	})
	require.NoError(t, err)
	return client, &requests
}

func TestGeminiPlainReply(t *testing.T) {
	client, requests := scriptedGemini(t, candidate(m{"text": " Your order ships tomorrow. "}))
	p := NewGeminiProcessor(client, GeminiConfig{})

	history := []session.DialogTurn{
		{Speaker: session.SpeakerAssistant, Content: "Good morning!"},
		{Speaker: session.SpeakerUser, Content: "Hi"},
	}
	reply, err := p.ProcessTurn(context.Background(), "Where is my order?", history)
	require.NoError(t, err)
	assert.Equal(t, "Your order ships tomorrow.", reply.Text)
	assert.Nil(t, reply.Transfer)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	conv := req["contents"].([]any)
	require.Len(t, conv, 3)
	assert.Equal(t, "model", conv[0].(m)["role"])
	assert.Equal(t, "user", conv[2].(m)["role"])
	assert.NotNil(t, req["systemInstruction"])
	decls := req["tools"].([]any)[0].(m)["functionDeclarations"].([]any)
	assert.Len(t, decls, 3)
}

func TestGeminiTransfer(t *testing.T) {
	client, requests := scriptedGemini(t, candidate(
		m{"functionCall": m{"name": toolTransfer, "args": m{"reason": "wants a human"}}},
	))
	p := NewGeminiProcessor(client, GeminiConfig{})

	reply, err := p.ProcessTurn(context.Background(), "Operator please", nil)
	require.NoError(t, err)
	require.NotNil(t, reply.Transfer)
	assert.Equal(t, "wants a human", reply.Transfer.Reason)
	assert.Empty(t, reply.Text)
	assert.Len(t, *requests, 1)
}

func TestGeminiOrderThenText(t *testing.T) {
	client, requests := scriptedGemini(t,
		candidate(
			m{"functionCall": m{"name": toolConfirmOrder, "args": m{"order_id": "ORD-7"}}},
			m{"functionCall": m{"name": toolEndCall}},
		),
		candidate(m{"text": "Your order is confirmed."}),
	)
	p := NewGeminiProcessor(client, GeminiConfig{Model: "gemini-test", MaxTokens: 200})

	reply, err := p.ProcessTurn(context.Background(), "Yes, confirm it", nil)
	require.NoError(t, err)
	assert.Equal(t, "ORD-7", reply.OrderID)
	assert.True(t, reply.EndCall)
	assert.Equal(t, "Your order is confirmed.", reply.Text)

	require.Len(t, *requests, 2)
	conv := (*requests)[1]["contents"].([]any)
	// user, model function calls, function responses
	require.Len(t, conv, 3)
	parts := conv[2].(m)["parts"].([]any)
	require.Len(t, parts, 2)
	resp := parts[0].(m)["functionResponse"].(m)
	assert.Equal(t, toolConfirmOrder, resp["name"])
	assert.Equal(t, "confirmed", resp["response"].(m)["status"])
}

func TestGeminiError(t *testing.T) {
	client, _ := scriptedGemini(t)
	p := NewGeminiProcessor(client, GeminiConfig{})
	_, err := p.ProcessTurn(context.Background(), "hello", nil)
	assert.ErrorContains(t, err, "generate content")
}
