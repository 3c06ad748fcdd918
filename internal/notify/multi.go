package notify

import (
	"context"
	"errors"

	"github.com/specialistvlad/stepgate/internal/capability"
)

// Multi delivers to every channel. Delivery continues past failures and the
// errors are joined.
type Multi []capability.NotificationChannel

var (
	_ capability.NotificationChannel = Multi(nil)
	_ capability.Escalator           = Multi(nil)
)

// RequestApproval forwards n to every channel.
func (m Multi) RequestApproval(ctx context.Context, n capability.ApprovalNotice) error {
	var errs []error
	for _, ch := range m {
		if err := ch.RequestApproval(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Escalate forwards n to every channel that can escalate.
func (m Multi) Escalate(ctx context.Context, n capability.ApprovalNotice) error {
	var errs []error
	for _, ch := range m {
		esc, ok := ch.(capability.Escalator)
		if !ok {
			continue
		}
		if err := esc.Escalate(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
