package action

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/api"
	"github.com/channelsync/lengow/internal/repository"
)

// RunHousekeeping reconciles local action rows with the platform after a
// sync pass: remotely settled actions are finished, stale ones closed, and
// finished-locally orders with no pending action get theirs re-sent.
func (d *Dispatcher) RunHousekeeping(ctx context.Context) {
	if err := d.CheckFinishedActions(ctx); err != nil {
		d.logger.Error("finished-action check failed", zap.Error(err))
	}
	if err := d.CheckOldActions(ctx); err != nil {
		d.logger.Error("old-action check failed", zap.Error(err))
	}
	if err := d.CheckNotSentActions(ctx); err != nil {
		d.logger.Error("not-sent-action check failed", zap.Error(err))
	}
}

// CheckFinishedActions closes local action rows whose remote counterpart
// the platform reports as processed, and journals remote action errors.
func (d *Dispatcher) CheckFinishedActions(ctx context.Context) error {
	active, err := d.actions.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	now := time.Now()
	remote := make(map[int64]api.ActionData)
	for page := 1; ; page++ {
		actionsPage, err := d.remote.ListActions(ctx, now.Add(-actionMaxAge), now, page)
		if err != nil {
			return fmt.Errorf("error listing remote actions: %w", err)
		}
		for _, data := range actionsPage.Results {
			remote[data.ID] = data
		}
		if actionsPage.Next == "" {
			break
		}
	}

	for _, local := range active {
		data, ok := remote[local.LengowActionID]
		if !ok {
			continue
		}
		if data.Errors != "" {
			if err := d.failAction(ctx, local, fmt.Sprintf("marketplace rejected the action: %s", data.Errors)); err != nil {
				return err
			}
			continue
		}
		if data.Processed || !data.Queued {
			if err := d.actions.Finish(ctx, local.ID); err != nil {
				return err
			}
			d.logger.Info("action finished by marketplace",
				zap.Int64("action", local.ID),
				zap.Int64("action_id", local.LengowActionID))
		}
	}
	return nil
}

// CheckOldActions closes actions unanswered for more than three days and
// journals a send error so the merchant notices.
func (d *Dispatcher) CheckOldActions(ctx context.Context) error {
	stale, err := d.actions.ListActiveOlderThan(ctx, time.Now().Add(-actionMaxAge))
	if err != nil {
		return err
	}
	for _, local := range stale {
		if err := d.failAction(ctx, local, "action is too old, the marketplace never answered"); err != nil {
			return err
		}
	}
	return nil
}

// failAction finishes the action and journals the reason on its order.
func (d *Dispatcher) failAction(ctx context.Context, local *repository.Action, message string) error {
	if err := d.actions.Finish(ctx, local.ID); err != nil {
		return err
	}
	order, err := d.orders.GetByID(ctx, local.OrderID)
	if err != nil {
		return err
	}
	d.recordFailure(ctx, order, fmt.Errorf("%s (action %d)", message, local.LengowActionID))
	return nil
}

// CheckNotSentActions re-dispatches actions for orders that were shipped or
// canceled locally but have no pending action and no error.
func (d *Dispatcher) CheckNotSentActions(ctx context.Context) error {
	orders, err := d.orders.ListImported(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := d.actions.GetLastActionType(ctx, order.ID); err == nil {
			continue
		}
		d.ReSend(ctx, order)
	}
	return nil
}
