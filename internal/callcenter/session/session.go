// Package session holds per-call conversation state and its persistence.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MaxSilenceTimeouts is the number of consecutive silence timeouts after which a call is ended.
const MaxSilenceTimeouts = 2

// Speaker identifies who produced a dialog turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// DialogTurn is one utterance in the conversation. Turns are never modified
// after they are recorded.
type DialogTurn struct {
	Speaker    Speaker   `json:"speaker"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence"`
	Language   *string   `json:"language"`
}

// CallSession is the conversation state of one call. It is safe for
// concurrent use.
type CallSession struct {
	mu sync.Mutex

	callID         string
	state          CallState
	callerPhone    *string
	orderID        *string
	language       string
	turns          []DialogTurn
	timeoutCount   int
	transferred    bool
	transferReason string
	startedAt      time.Time

	log *slog.Logger
}

// New creates a session in StateConnected.
func New(callID string, now time.Time) *CallSession {
	return &CallSession{
		callID:    callID,
		state:     StateConnected,
		startedAt: now.UTC(),
		log:       slog.Default().With("call_id", callID),
	}
}

// ID returns the call identifier.
func (s *CallSession) ID() string { return s.callID }

// State returns the current state.
func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransitionTo moves the session to next if the transition table allows it.
// Invalid transitions are logged and ignored; the return value reports
// whether the state is now next. Re-entering the current state is a no-op.
func (s *CallSession) TransitionTo(next CallState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return true
	}
	if !s.state.CanTransitionTo(next) {
		s.log.Warn("[Session] Invalid state transition ignored", "from", s.state.String(), "to", next.String())
		return false
	}
	s.log.Debug("[Session] State changed", "from", s.state.String(), "to", next.String())
	s.state = next
	return true
}

// RecordUserTurn appends a caller utterance and resets the silence counter.
// A non-nil language also becomes the session language.
func (s *CallSession) RecordUserTurn(text string, confidence *float64, language *string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, DialogTurn{
		Speaker:    SpeakerUser,
		Content:    text,
		Timestamp:  at.UTC(),
		Confidence: confidence,
		Language:   language,
	})
	s.timeoutCount = 0
	if language != nil && *language != "" {
		s.language = *language
	}
}

// RecordAssistantTurn appends a reply that was spoken to the caller.
func (s *CallSession) RecordAssistantTurn(text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, DialogTurn{
		Speaker:   SpeakerAssistant,
		Content:   text,
		Timestamp: at.UTC(),
	})
}

// RecordSilenceTimeout counts one silence timeout and reports whether the
// call should now end.
func (s *CallSession) RecordSilenceTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeoutCount++
	return s.timeoutCount >= MaxSilenceTimeouts
}

// MarkTransfer flags the call for hand-off and forces StateTransferring from
// any state but StateEnded.
func (s *CallSession) MarkTransfer(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		s.log.Warn("[Session] Transfer requested after call ended", "reason", reason)
		return
	}
	s.transferred = true
	s.transferReason = reason
	if s.state != StateTransferring {
		s.log.Debug("[Session] State changed", "from", s.state.String(), "to", StateTransferring.String())
		s.state = StateTransferring
	}
}

// SetCallerPhone records the caller number.
func (s *CallSession) SetCallerPhone(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callerPhone = &phone
}

// LinkOrder associates an order with the call.
func (s *CallSession) LinkOrder(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderID = &orderID
}

// CallerPhone returns the caller number if known.
func (s *CallSession) CallerPhone() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callerPhone == nil {
		return "", false
	}
	return *s.callerPhone, true
}

// OrderID returns the linked order if any.
func (s *CallSession) OrderID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderID == nil {
		return "", false
	}
	return *s.orderID, true
}

func (s *CallSession) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage sets the conversation language without recording a turn.
func (s *CallSession) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

func (s *CallSession) TimeoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeoutCount
}

func (s *CallSession) Transferred() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred, s.transferReason
}

func (s *CallSession) StartedAt() time.Time { return s.startedAt }

// Turns returns a copy of the dialog history in order.
func (s *CallSession) Turns() []DialogTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DialogTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// UserTurnCount returns how many times the caller has spoken.
func (s *CallSession) UserTurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.turns {
		if t.Speaker == SpeakerUser {
			n++
		}
	}
	return n
}

// record is the flat serialized form of a session.
type record struct {
	CallID         string       `json:"call_id"`
	State          CallState    `json:"state"`
	CallerPhone    *string      `json:"caller_phone"`
	OrderID        *string      `json:"order_id"`
	Language       string       `json:"language"`
	Turns          []DialogTurn `json:"turns"`
	TimeoutCount   int          `json:"timeout_count"`
	Transferred    bool         `json:"transferred"`
	TransferReason string       `json:"transfer_reason"`
	StartedAt      time.Time    `json:"started_at"`
}

// MarshalJSON implements json.Marshaler
func (s *CallSession) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.turns
	if turns == nil {
		turns = []DialogTurn{}
	}
	return json.Marshal(record{
		CallID:         s.callID,
		State:          s.state,
		CallerPhone:    s.callerPhone,
		OrderID:        s.orderID,
		Language:       s.language,
		Turns:          turns,
		TimeoutCount:   s.timeoutCount,
		Transferred:    s.transferred,
		TransferReason: s.transferReason,
		StartedAt:      s.startedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *CallSession) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if r.CallID == "" {
		return fmt.Errorf("decode session: missing call_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = r.CallID
	s.state = r.State
	s.callerPhone = r.CallerPhone
	s.orderID = r.OrderID
	s.language = r.Language
	s.turns = r.Turns
	s.timeoutCount = r.TimeoutCount
	s.transferred = r.Transferred
	s.transferReason = r.TransferReason
	s.startedAt = r.StartedAt
	s.log = slog.Default().With("call_id", r.CallID)
	return nil
}

// Marshal serializes the session for a Store.
func Marshal(s *CallSession) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal restores a session produced by Marshal.
func Unmarshal(data []byte) (*CallSession, error) {
	s := &CallSession{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}
