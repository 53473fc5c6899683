// Package audit provides structured security-event emission for the
// authentication service. Services emit events through a Dispatcher; sinks
// decide what to do with them. No business decision depends on audit output.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event names emitted by the authentication core.
const (
	EventRegister           = "account.register"
	EventRegisterDuplicate  = "account.register_duplicate"
	EventLoginSuccess       = "login.success"
	EventLoginFailure       = "login.failure"
	EventAccountLocked      = "login.account_locked"
	EventSecondFactorNeeded = "login.second_factor_required"
	EventSecondFactorPassed = "twofactor.verified"
	EventSecondFactorFailed = "twofactor.failed"
	EventBackupCodeUsed     = "twofactor.backup_code_used"
	EventBackupCodesIssued  = "twofactor.backup_codes_issued"
	EventSetupStarted       = "twofactor.setup_started"
	EventSetupConfirmed     = "twofactor.setup_confirmed"
	EventTwoFactorDisabled  = "twofactor.disabled"
	EventPasswordChanged    = "account.password_changed"
	EventFederatedLogin     = "login.federated"
	EventFederatedLinked    = "account.federated_linked"
	EventLogout             = "session.logout"
	EventSessionExpired     = "session.expired"
)

// Event is the canonical audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	AccountID string            `json:"account_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel. Tests use it to
// assert on the exact event sequence a flow produces.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
