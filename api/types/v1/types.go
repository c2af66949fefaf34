// Package types defines the HTTP API types of the call-center service.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	ActiveCalls int    `json:"active_calls"`
	MaxCalls    int    `json:"max_calls,omitempty"`
}

// Call summarizes an active call
type Call struct {
	CallID      string `json:"call_id"`
	State       string `json:"state"`
	RemoteAddr  string `json:"remote_addr"`
	CallerPhone string `json:"caller_phone,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Turns       int    `json:"turns"`
	Duration    int    `json:"duration"`
	StartedAt   string `json:"started_at"`
}

// Turn is one utterance in a call detail
type Turn struct {
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// CallDetail is the response from /api/v1/calls/{id}
type CallDetail struct {
	Call
	Transferred    bool   `json:"transferred"`
	TransferReason string `json:"transfer_reason,omitempty"`
	Dialog         []Turn `json:"dialog"`
}

// CallsResponse is the response from /api/v1/calls
type CallsResponse struct {
	Count int    `json:"count"`
	Calls []Call `json:"calls"`
}

// ErrorResponse is returned with non-2xx statuses
type ErrorResponse struct {
	Error string `json:"error"`
}
