package session

import "fmt"

// CallState represents the lifecycle state of a call
type CallState int

const (
	// StateConnected is the state right after the audio socket handshake
	StateConnected CallState = iota
	// StateGreeting is while the greeting is being played
	StateGreeting
	// StateListening is while waiting for the caller to speak
	StateListening
	// StateProcessing is while the turn processor works on an utterance
	StateProcessing
	// StateSpeaking is while a reply is being played
	StateSpeaking
	// StateTransferring is after a hand-off to a human operator was requested
	StateTransferring
	// StateEnded is the final state
	StateEnded
)

var stateNames = map[CallState]string{
	StateConnected:    "connected",
	StateGreeting:     "greeting",
	StateListening:    "listening",
	StateProcessing:   "processing",
	StateSpeaking:     "speaking",
	StateTransferring: "transferring",
	StateEnded:        "ended",
}

// String returns the string representation of the state
func (s CallState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseState is the inverse of String.
func ParseState(name string) (CallState, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown call state %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s CallState) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown call state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *CallState) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[CallState][]CallState{
	StateConnected:    {StateGreeting, StateEnded},
	StateGreeting:     {StateListening, StateEnded},
	StateListening:    {StateProcessing, StateTransferring, StateEnded},
	StateProcessing:   {StateSpeaking, StateListening, StateTransferring, StateEnded},
	StateSpeaking:     {StateListening, StateProcessing, StateTransferring, StateEnded},
	StateTransferring: {StateEnded},
	StateEnded:        {}, // Terminal state, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}
