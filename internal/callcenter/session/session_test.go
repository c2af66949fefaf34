package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)

func ptr[T any](v T) *T { return &v }

func allStates() []CallState {
	return []CallState{StateConnected, StateGreeting, StateListening, StateProcessing, StateSpeaking, StateTransferring, StateEnded}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[CallState][]CallState{
		StateConnected:    {StateGreeting, StateEnded},
		StateGreeting:     {StateListening, StateEnded},
		StateListening:    {StateProcessing, StateTransferring, StateEnded},
		StateProcessing:   {StateSpeaking, StateListening, StateTransferring, StateEnded},
		StateSpeaking:     {StateListening, StateProcessing, StateTransferring, StateEnded},
		StateTransferring: {StateEnded},
		StateEnded:        {},
	}

	for _, from := range allStates() {
		for _, to := range allStates() {
			if from == to {
				continue
			}
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, from.CanTransitionTo(to))

				s := New("call-1", t0)
				s.state = from
				assert.Equal(t, want, s.TransitionTo(to))
				if want {
					assert.Equal(t, to, s.State())
				} else {
					assert.Equal(t, from, s.State(), "invalid transition must leave state unchanged")
				}
			})
		}
	}
}

func TestEveryStateCanEnd(t *testing.T) {
	for _, from := range allStates() {
		s := New("call-1", t0)
		s.state = from
		assert.True(t, s.TransitionTo(StateEnded), from.String())
		assert.True(t, s.State().IsTerminal())
	}
}

func TestReenteringStateIsNoop(t *testing.T) {
	s := New("call-1", t0)
	assert.True(t, s.TransitionTo(StateConnected))
	assert.Equal(t, StateConnected, s.State())
}

func TestHappyPathLifecycle(t *testing.T) {
	s := New("call-1", t0)
	for _, next := range []CallState{StateGreeting, StateListening, StateProcessing, StateSpeaking, StateListening, StateProcessing, StateTransferring, StateEnded} {
		require.True(t, s.TransitionTo(next), "to %s", next)
	}
	assert.Equal(t, StateEnded, s.State())
	assert.False(t, s.TransitionTo(StateListening))
}

func TestRecordUserTurnResetsTimeouts(t *testing.T) {
	s := New("call-1", t0)

	assert.False(t, s.RecordSilenceTimeout())
	assert.Equal(t, 1, s.TimeoutCount())

	s.RecordUserTurn("hello", ptr(0.9), ptr("uk"), t0.Add(time.Second))
	assert.Equal(t, 0, s.TimeoutCount())
	assert.Equal(t, "uk", s.Language())

	s.RecordAssistantTurn("hi there", t0.Add(2*time.Second))
	assert.False(t, s.RecordSilenceTimeout())
	s.RecordAssistantTurn("are you there?", t0.Add(3*time.Second))
	assert.Equal(t, 1, s.TimeoutCount(), "assistant turns must not reset the counter")

	turns := s.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, SpeakerUser, turns[0].Speaker)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, SpeakerAssistant, turns[1].Speaker)
	assert.Equal(t, 1, s.UserTurnCount())
}

func TestSilenceThreshold(t *testing.T) {
	s := New("call-1", t0)
	assert.False(t, s.RecordSilenceTimeout())
	assert.True(t, s.RecordSilenceTimeout())
	assert.True(t, s.RecordSilenceTimeout())
}

func TestMarkTransfer(t *testing.T) {
	s := New("call-1", t0)
	s.TransitionTo(StateGreeting)

	s.MarkTransfer("caller asked for a human")
	assert.Equal(t, StateTransferring, s.State())
	ok, reason := s.Transferred()
	assert.True(t, ok)
	assert.Equal(t, "caller asked for a human", reason)

	ended := New("call-2", t0)
	ended.TransitionTo(StateEnded)
	ended.MarkTransfer("too late")
	assert.Equal(t, StateEnded, ended.State())
	ok, _ = ended.Transferred()
	assert.False(t, ok)
}

func TestTurnsReturnsCopy(t *testing.T) {
	s := New("call-1", t0)
	s.RecordAssistantTurn("greeting", t0)
	turns := s.Turns()
	turns[0].Content = "mutated"
	assert.Equal(t, "greeting", s.Turns()[0].Content)
}

func buildSession(n int) *CallSession {
	s := New("3f1c9b7e-2a45-4c61-9e0a-7d1b2c3d4e5f", t0)
	s.TransitionTo(StateGreeting)
	s.TransitionTo(StateListening)
	s.SetCallerPhone("+380501234567")
	for i := 0; i < n; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			var conf *float64
			var lang *string
			if i%4 == 0 {
				conf = ptr(0.5 + float64(i)/1000)
				lang = ptr("uk")
			}
			s.RecordUserTurn(fmt.Sprintf("user says %d", i), conf, lang, at)
		} else {
			s.RecordAssistantTurn(fmt.Sprintf("assistant says %d", i), at)
		}
	}
	s.RecordSilenceTimeout()
	return s
}

func TestJSONRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 50} {
		t.Run(fmt.Sprintf("turns=%d", n), func(t *testing.T) {
			orig := buildSession(n)
			if n == 50 {
				orig.LinkOrder("ORD-42")
				orig.MarkTransfer("complaint")
			}

			data, err := Marshal(orig)
			require.NoError(t, err)

			back, err := Unmarshal(data)
			require.NoError(t, err)

			again, err := Marshal(back)
			require.NoError(t, err)
			assert.JSONEq(t, string(data), string(again))

			assert.Equal(t, orig.ID(), back.ID())
			assert.Equal(t, orig.State(), back.State())
			assert.Equal(t, orig.TimeoutCount(), back.TimeoutCount())
			assert.Equal(t, orig.Language(), back.Language())
			assert.True(t, orig.StartedAt().Equal(back.StartedAt()))

			phone, ok := back.CallerPhone()
			assert.True(t, ok)
			assert.Equal(t, "+380501234567", phone)

			ot, bt := orig.Turns(), back.Turns()
			require.Len(t, bt, len(ot))
			for i := range ot {
				assert.Equal(t, ot[i].Speaker, bt[i].Speaker)
				assert.Equal(t, ot[i].Content, bt[i].Content)
				assert.True(t, ot[i].Timestamp.Equal(bt[i].Timestamp))
				assert.Equal(t, ot[i].Confidence, bt[i].Confidence)
				assert.Equal(t, ot[i].Language, bt[i].Language)
			}

			oo, ook := orig.OrderID()
			bo, bok := back.OrderID()
			assert.Equal(t, ook, bok)
			assert.Equal(t, oo, bo)
			otr, oreason := orig.Transferred()
			btr, breason := back.Transferred()
			assert.Equal(t, otr, btr)
			assert.Equal(t, oreason, breason)
		})
	}
}

func TestJSONShape(t *testing.T) {
	data, err := Marshal(New("abc", t0))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"call_id", "state", "caller_phone", "order_id", "language", "turns", "timeout_count", "transferred", "transfer_reason", "started_at"} {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, "connected", m["state"])
	assert.Nil(t, m["caller_phone"])
	assert.Equal(t, []any{}, m["turns"])
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte(`{"call_id":"x","state":"dancing"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"state":"ended"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}
