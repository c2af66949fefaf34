package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Placeholders substituted into phrase templates.
const (
	placeholderTimeOfDay = "{time_of_day}"
	placeholderOrderID   = "{order_id}"
)

// Pool names for filler phrases.
const (
	PoolDefault = "default"
	PoolOrder   = "order"
)

// Phrases holds every fixed utterance the assistant can say.
type Phrases struct {
	Greeting  string `json:"greeting"` // contains {time_of_day}
	Morning   string `json:"morning"`
	Afternoon string `json:"afternoon"`
	Evening   string `json:"evening"`

	SilencePrompt string `json:"silence_prompt"`
	Error         string `json:"error"`
	Transfer      string `json:"transfer"`

	Farewell      string `json:"farewell"`
	OrderFarewell string `json:"order_farewell"` // contains {order_id}
	// FarewellInstruction is sent to the turn processor to produce a tailored farewell.
	FarewellInstruction string `json:"farewell_instruction"`

	Fillers       map[string][]string `json:"fillers"`
	OrderKeywords []string            `json:"order_keywords"`
}

// DefaultPhrases returns the built-in English phrase set.
func DefaultPhrases() Phrases {
	return Phrases{
		Greeting:      "{time_of_day}! Thank you for calling. How can I help you?",
		Morning:       "Good morning",
		Afternoon:     "Good afternoon",
		Evening:       "Good evening",
		SilencePrompt: "Are you still there?",
		Error:         "Sorry, something went wrong on our side. Could you please repeat that?",
		Transfer:      "Please hold on, I am transferring you to an operator.",
		Farewell:      "Thank you for calling. Goodbye!",
		OrderFarewell: "Your order {order_id} is confirmed. Thank you for calling, goodbye!",
		FarewellInstruction: "The call is ending now. Say a short, warm one-sentence goodbye " +
			"that fits this conversation. Do not ask any questions.",
		Fillers: map[string][]string{
			PoolDefault: {
				"One moment, please.",
				"Let me check that for you.",
				"Just a second.",
			},
			PoolOrder: {
				"Let me look up your order.",
				"One moment, I am checking the order details.",
				"I am pulling up your order now.",
			},
		},
		OrderKeywords: []string{"order", "delivery", "shipment", "tracking", "package", "parcel"},
	}
}

// LoadPhrases reads a JSON phrase file. Fields missing from the file keep
// their default values.
func LoadPhrases(path string) (Phrases, error) {
	p := DefaultPhrases()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read phrases: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse phrases %s: %w", path, err)
	}
	return p, nil
}

// TimeOfDay returns the greeting fragment for the hour of t:
// [5,12) morning, [12,18) afternoon, otherwise evening.
func (p Phrases) TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return p.Morning
	case h >= 12 && h < 18:
		return p.Afternoon
	default:
		return p.Evening
	}
}

// GreetingAt renders the greeting for the local time t.
func (p Phrases) GreetingAt(t time.Time) string {
	return strings.ReplaceAll(p.Greeting, placeholderTimeOfDay, p.TimeOfDay(t))
}

// OrderFarewellFor renders the order confirmation farewell.
func (p Phrases) OrderFarewellFor(orderID string) string {
	return strings.ReplaceAll(p.OrderFarewell, placeholderOrderID, orderID)
}

// Static lists the phrases whose audio does not depend on the call, for
// pre-rendering.
func (p Phrases) Static() []string {
	out := []string{
		strings.ReplaceAll(p.Greeting, placeholderTimeOfDay, p.Morning),
		strings.ReplaceAll(p.Greeting, placeholderTimeOfDay, p.Afternoon),
		strings.ReplaceAll(p.Greeting, placeholderTimeOfDay, p.Evening),
		p.SilencePrompt,
		p.Error,
		p.Transfer,
		p.Farewell,
	}
	for _, pool := range []string{PoolDefault, PoolOrder} {
		out = append(out, p.Fillers[pool]...)
	}
	return out
}

// Pool picks the filler pool for an utterance by keyword match.
func (p Phrases) Pool(utterance string) string {
	lower := strings.ToLower(utterance)
	for _, kw := range p.OrderKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return PoolOrder
		}
	}
	return PoolDefault
}

// selector rotates through filler pools for one call.
type selector struct {
	phrases Phrases
	mu      sync.Mutex
	next    map[string]int
}

func newSelector(p Phrases) *selector {
	return &selector{phrases: p, next: make(map[string]int)}
}

// Filler returns the next filler from the pool matching utterance, falling
// back to the default pool when the matched one is empty.
func (s *selector) Filler(utterance string) string {
	pool := s.phrases.Pool(utterance)
	if len(s.phrases.Fillers[pool]) == 0 {
		pool = PoolDefault
	}
	candidates := s.phrases.Fillers[pool]
	if len(candidates) == 0 {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.next[pool]
	s.next[pool] = (i + 1) % len(candidates)
	return candidates[i]
}
