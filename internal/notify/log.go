package notify

import (
	"context"
	"log/slog"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
)

// Log writes approval requests to a logger. A nil logger means the logger
// carried by the context.
type Log struct {
	Logger *slog.Logger
}

var (
	_ capability.NotificationChannel = (*Log)(nil)
	_ capability.Escalator           = (*Log)(nil)
)

func (l *Log) logger(ctx context.Context) *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return ctxlog.FromContext(ctx)
}

// RequestApproval logs the notice at warn level so it stands out.
func (l *Log) RequestApproval(ctx context.Context, n capability.ApprovalNotice) error {
	l.logger(ctx).Warn("Approval required.", noticeAttrs(n)...)
	return nil
}

// Escalate logs the notice at error level.
func (l *Log) Escalate(ctx context.Context, n capability.ApprovalNotice) error {
	l.logger(ctx).Error("Approval escalated.", noticeAttrs(n)...)
	return nil
}

func noticeAttrs(n capability.ApprovalNotice) []any {
	attrs := []any{
		"instance", n.InstanceID,
		"workflow", n.Workflow,
		"gate", n.Gate,
		"step", n.Step,
		"risk", n.Risk,
		"deadline", n.Deadline,
	}
	if n.Threshold != nil {
		attrs = append(attrs, "threshold", *n.Threshold)
	}
	return attrs
}
