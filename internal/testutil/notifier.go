package testutil

import (
	"context"
	"sync"

	"github.com/specialistvlad/stepgate/internal/capability"
)

// RecordingNotifier records approval notices and escalations. Notices are
// also sent on Requests when it has room, so tests can wait for them.
type RecordingNotifier struct {
	mu        sync.Mutex
	notices   []capability.ApprovalNotice
	escalated []capability.ApprovalNotice
	Requests  chan capability.ApprovalNotice
}

var (
	_ capability.NotificationChannel = (*RecordingNotifier)(nil)
	_ capability.Escalator           = (*RecordingNotifier)(nil)
)

// NewRecordingNotifier returns a notifier with a buffered Requests channel.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{Requests: make(chan capability.ApprovalNotice, 16)}
}

// RequestApproval implements capability.NotificationChannel.
func (r *RecordingNotifier) RequestApproval(_ context.Context, n capability.ApprovalNotice) error {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	select {
	case r.Requests <- n:
	default:
	}
	return nil
}

// Escalate implements capability.Escalator.
func (r *RecordingNotifier) Escalate(_ context.Context, n capability.ApprovalNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, n)
	return nil
}

// Notices returns every approval request so far.
func (r *RecordingNotifier) Notices() []capability.ApprovalNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capability.ApprovalNotice(nil), r.notices...)
}

// Escalations returns every escalation so far.
func (r *RecordingNotifier) Escalations() []capability.ApprovalNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capability.ApprovalNotice(nil), r.escalated...)
}
