package api

import (
	"slices"
	"strings"
	"sync"
	"time"

	types "github.com/svv2602/call-center-sub002/api/types/v1"
	"github.com/svv2602/call-center-sub002/internal/callcenter/session"
)

type activeCall struct {
	sess   *session.CallSession
	remote string
}

// CallRegistry tracks calls in progress for inspection.
type CallRegistry struct {
	mu    sync.RWMutex
	calls map[string]activeCall
	now   func() time.Time
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[string]activeCall), now: time.Now}
}

// Add registers a call.
func (r *CallRegistry) Add(sess *session.CallSession, remote string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[sess.ID()] = activeCall{sess: sess, remote: remote}
}

// Remove forgets a call.
func (r *CallRegistry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Len returns the number of calls in progress.
func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Calls implements CallProvider. Oldest calls come first.
func (r *CallRegistry) Calls() []types.Call {
	r.mu.RLock()
	active := make([]activeCall, 0, len(r.calls))
	for _, c := range r.calls {
		active = append(active, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(active, func(a, b activeCall) int {
		if c := a.sess.StartedAt().Compare(b.sess.StartedAt()); c != 0 {
			return c
		}
		return strings.Compare(a.sess.ID(), b.sess.ID())
	})

	out := make([]types.Call, 0, len(active))
	for _, c := range active {
		out = append(out, r.summary(c))
	}
	return out
}

// Call implements CallProvider
func (r *CallRegistry) Call(callID string) (types.CallDetail, bool) {
	r.mu.RLock()
	c, ok := r.calls[callID]
	r.mu.RUnlock()
	if !ok {
		return types.CallDetail{}, false
	}

	detail := types.CallDetail{Call: r.summary(c), Dialog: []types.Turn{}}
	detail.Transferred, detail.TransferReason = c.sess.Transferred()
	for _, t := range c.sess.Turns() {
		detail.Dialog = append(detail.Dialog, types.Turn{
			Speaker:   string(t.Speaker),
			Content:   t.Content,
			Timestamp: t.Timestamp.Format(time.RFC3339),
		})
	}
	return detail, true
}

func (r *CallRegistry) summary(c activeCall) types.Call {
	s := c.sess
	phone, _ := s.CallerPhone()
	orderID, _ := s.OrderID()
	return types.Call{
		CallID:      s.ID(),
		State:       s.State().String(),
		RemoteAddr:  c.remote,
		CallerPhone: phone,
		OrderID:     orderID,
		Language:    s.Language(),
		Turns:       len(s.Turns()),
		Duration:    int(r.now().Sub(s.StartedAt()).Seconds()),
		StartedAt:   s.StartedAt().UTC().Format(time.RFC3339),
	}
}
