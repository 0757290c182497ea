package usage

import (
	"context"
	"errors"

	"github.com/dmitrymomot/meterkit/pkg/billing"
	"github.com/dmitrymomot/meterkit/pkg/scheduler"
)

// ResetTask returns the scheduler handler for scheduler.TaskResetTokens.
// A task for a deleted user is completed without a successor.
func (m *Meter) ResetTask() scheduler.HandlerFunc {
	return func(ctx context.Context, task scheduler.Task) error {
		err := m.ResetTokens(ctx, task.UserID)
		if errors.Is(err, billing.ErrNotFound) {
			return scheduler.ErrSkipTask
		}
		return err
	}
}
