package callctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", time.Second)
}

func TestCallerID(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/calls/abc-1/caller", r.URL.Path)
		_ = json.NewEncoder(w).Encode(CallerResponse{CallID: "abc-1", CallerID: "+15550100"})
	})

	phone, err := c.CallerID(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", phone)
}

func TestCallerIDUnknownCall(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.CallerID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestCallerIDBadBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	_, err := c.CallerID(context.Background(), "abc")
	assert.ErrorContains(t, err, "decode caller")
}

func TestTransfer(t *testing.T) {
	var got TransferRequest
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calls/abc-1/transfer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, c.Transfer(context.Background(), "abc-1", "billing"))
	assert.Equal(t, "billing", got.Reason)
}

func TestTransferServerError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.Transfer(context.Background(), "abc-1", "billing")
	assert.EqualError(t, err, "unexpected status: 502")
}

func TestNoop(t *testing.T) {
	var ctl Controller = Noop{}
	phone, err := ctl.CallerID(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, phone)
	assert.NoError(t, ctl.Transfer(context.Background(), "x", "why"))
}
