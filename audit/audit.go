// Package audit defines the event trail recorded for every authenticated
// operation that crosses the control plane. Sinks decide where events land;
// use memorysink for tests and single-process servers, redissink where the
// trail must survive restarts or be shared across processes.
package audit

import (
	"context"
	"time"
)

// Decision values recorded on an event.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Outcome values recorded on an event.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Event is one audit record. All fields are set by the emitter; sinks only
// persist.
type Event struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id"`
	Principal  string    `json:"principal,omitempty"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource,omitempty"`
	ServerID   string    `json:"server_id,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Outcome    string    `json:"outcome"`
	ErrorCode  int       `json:"error_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// Sink persists audit events. Record must be safe for concurrent use. A
// failing sink must not block the operation being audited; callers log and
// continue.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Discard is a Sink that drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Record(context.Context, Event) error { return nil }
