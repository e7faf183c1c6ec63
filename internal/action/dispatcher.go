package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/api"
	"github.com/channelsync/lengow/internal/commerce"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/marketplace"
	"github.com/channelsync/lengow/internal/metrics"
	"github.com/channelsync/lengow/internal/repository"
)

// Marketplace action argument names.
const (
	argActionType     = "action_type"
	argLine           = "line"
	argCarrier        = "carrier"
	argCarrierName    = "carrier_name"
	argShippingMethod = "shipping_method"
	argCustomCarrier  = "custom_carrier"
	argTrackingNumber = "tracking_number"
	argShippingPrice  = "shipping_price"
	argShippingDate   = "shipping_date"
	argDeliveryDate   = "delivery_date"
)

// Actions unanswered for longer than this are closed as too old.
const actionMaxAge = 3 * 24 * time.Hour

// ErrMissingArgument reports a required action argument that could not be
// resolved from the order.
var ErrMissingArgument = errors.New("required argument is missing")

// ErrInvalidAction reports an action the marketplace does not accept.
var ErrInvalidAction = errors.New("action is not valid for this marketplace")

// ActionStore is the action-row persistence surface.
type ActionStore interface {
	Create(ctx context.Context, action *repository.Action) (int64, error)
	GetActive(ctx context.Context, orderID int64, actionType string) (*repository.Action, error)
	ListActive(ctx context.Context) ([]*repository.Action, error)
	ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*repository.Action, error)
	GetLastActionType(ctx context.Context, orderID int64) (string, error)
	Finish(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) error
}

// OrderStore is the reconciliation-row surface the dispatcher needs.
type OrderStore interface {
	GetByID(ctx context.Context, id int64) (*repository.Order, error)
	Update(ctx context.Context, order *repository.Order) error
	ListImported(ctx context.Context) ([]*repository.Order, error)
}

// LineStore reads cached marketplace order line ids.
type LineStore interface {
	GetByOrderID(ctx context.Context, orderID int64) ([]*repository.OrderLine, error)
}

// Definitions resolves marketplace definitions.
type Definitions interface {
	Get(ctx context.Context, name string) (*marketplace.Definition, error)
}

// Remote is the API surface used for sending and auditing actions.
type Remote interface {
	SendAction(ctx context.Context, params map[string]interface{}) (int64, error)
	ListOrders(ctx context.Context, params api.OrderListParams) (*api.OrdersPage, error)
	ListActions(ctx context.Context, updatedFrom, updatedTo time.Time, page int) (*api.ActionsPage, error)
}

// Dispatcher sends ship/cancel actions to marketplaces and keeps the local
// action rows honest afterwards.
type Dispatcher struct {
	actions     ActionStore
	orders      OrderStore
	lines       LineStore
	journal     *ledger.Ledger
	commerce    *commerce.Service
	definitions Definitions
	remote      Remote
	logger      *zap.Logger
}

func NewDispatcher(
	actions ActionStore,
	orders OrderStore,
	lines LineStore,
	journal *ledger.Ledger,
	commerceSvc *commerce.Service,
	definitions Definitions,
	remote Remote,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		actions:     actions,
		orders:      orders,
		lines:       lines,
		journal:     journal,
		commerce:    commerceSvc,
		definitions: definitions,
		remote:      remote,
		logger:      logger.Named("action"),
	}
}

// Dispatch sends one action for the order. Dispatch never raises: resolution
// and send failures are journaled on the order and reported as false.
func (d *Dispatcher) Dispatch(ctx context.Context, actionType string, order *repository.Order) bool {
	if err := d.dispatch(ctx, actionType, order); err != nil {
		d.recordFailure(ctx, order, err)
		return false
	}
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, actionType string, order *repository.Order) error {
	if order.OrderID == nil {
		return fmt.Errorf("order %d has no local order to act on", order.ID)
	}
	localOrder, err := d.commerce.Get(ctx, *order.OrderID)
	if err != nil {
		return err
	}
	if !localOrder.FromMarketplace {
		return fmt.Errorf("order %d did not originate from a marketplace", localOrder.ID)
	}
	if actionType == repository.ActionTypeShip && order.IsDeliveredByMarketplace() {
		d.logger.Info("order is delivered by the marketplace, no action sent",
			zap.Int64("order_lengow", order.ID))
		return nil
	}

	// optimistic clear: a new dispatch supersedes earlier send failures
	if err := d.journal.Finish(ctx, order.ID, repository.ErrorTypeSend); err != nil {
		return err
	}
	if order.IsInError {
		order.IsInError = false
		if err := d.orders.Update(ctx, order); err != nil {
			return err
		}
	}

	def, err := d.definitions.Get(ctx, order.MarketplaceName)
	if err != nil {
		return err
	}
	spec, ok := def.ActionFor(actionType)
	if !ok {
		return fmt.Errorf("%q on %s: %w", actionType, order.MarketplaceName, ErrInvalidAction)
	}

	if spec.HasArg(argLine) {
		lineIDs, err := d.resolveOrderLines(ctx, order, localOrder.ID)
		if err != nil {
			return err
		}
		for _, lineID := range lineIDs {
			if err := d.send(ctx, actionType, order, localOrder, def, spec, lineID); err != nil {
				return err
			}
		}
		return nil
	}
	return d.send(ctx, actionType, order, localOrder, def, spec, "")
}

// resolveOrderLines returns the marketplace order line ids, preferring the
// local cache and falling back to one remote lookup.
func (d *Dispatcher) resolveOrderLines(ctx context.Context, order *repository.Order, localOrderID int64) ([]string, error) {
	cached, err := d.lines.GetByOrderID(ctx, localOrderID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		ids := make([]string, 0, len(cached))
		for _, line := range cached {
			ids = append(ids, line.OrderLineID)
		}
		return ids, nil
	}

	page, err := d.remote.ListOrders(ctx, api.OrderListParams{
		MarketplaceOrderID: order.MarketplaceSKU,
		Marketplace:        order.MarketplaceName,
		Page:               1,
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, result := range page.Results {
		for _, pkg := range result.Packages {
			if pkg.Delivery.ID == nil || *pkg.Delivery.ID != order.DeliveryAddressID {
				continue
			}
			for _, item := range pkg.Cart {
				if item.MarketplaceOrderLineID != "" {
					ids = append(ids, item.MarketplaceOrderLineID)
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("order lines for order %d: %w", order.ID, ErrMissingArgument)
	}
	return ids, nil
}

func (d *Dispatcher) send(
	ctx context.Context,
	actionType string,
	order *repository.Order,
	localOrder *repository.CommerceOrder,
	def *marketplace.Definition,
	spec marketplace.ActionSpec,
	lineID string,
) error {
	params, err := d.buildArgs(ctx, order, localOrder, def, spec)
	if err != nil {
		return err
	}
	params["marketplace_order_id"] = order.MarketplaceSKU
	params["marketplace"] = order.MarketplaceName
	params[argActionType] = actionType
	if lineID != "" {
		params[argLine] = lineID
	}

	if pending := d.activeAction(ctx, order, actionType); pending != nil {
		if pending.ID != 0 {
			// the dedupe attempt is counted on the existing row
			if err := d.actions.IncrementRetry(ctx, pending.ID); err != nil {
				d.logger.Error("failed to bump action retry", zap.Error(err))
			}
		}
		d.logger.Info("an equivalent action is already pending, not re-sent",
			zap.Int64("order_lengow", order.ID),
			zap.String("action_type", actionType))
		return nil
	}

	remoteID, err := d.remote.SendAction(ctx, params)
	if err != nil {
		return err
	}
	rawParams, _ := json.Marshal(params)
	now := time.Now()
	if _, err := d.actions.Create(ctx, &repository.Action{
		OrderID:        order.ID,
		LengowActionID: remoteID,
		ActionType:     actionType,
		Parameters:     rawParams,
		State:          repository.ActionStateNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return err
	}
	metrics.ActionsSentTotal.WithLabelValues(actionType).Inc()
	d.logger.Info("action sent",
		zap.Int64("order_lengow", order.ID),
		zap.String("action_type", actionType),
		zap.Int64("action_id", remoteID))
	return nil
}

// buildArgs resolves every required and optional argument of the action.
// Unresolvable required arguments with a known source fail; unknown ones
// fall back to the marketplace default or an explicit sentinel. Empty
// optional arguments are dropped.
func (d *Dispatcher) buildArgs(
	ctx context.Context,
	order *repository.Order,
	localOrder *repository.CommerceOrder,
	def *marketplace.Definition,
	spec marketplace.ActionSpec,
) (map[string]interface{}, error) {
	track, err := d.commerce.LastTrack(ctx, localOrder.ID)
	if err != nil {
		return nil, err
	}

	params := make(map[string]interface{}, len(spec.Args))
	for _, arg := range spec.Args {
		if arg.Name == argLine {
			continue
		}
		var value string
		known := true
		switch arg.Name {
		case argTrackingNumber:
			if track != nil {
				value = track.Number
			}
		case argCarrier, argCarrierName, argShippingMethod, argCustomCarrier:
			value = order.Carrier
			if value == "" && track != nil {
				value = def.MatchCarrier(track.Carrier, track.Title)
			}
		case argShippingPrice:
			value = fmt.Sprintf("%.2f", localOrder.ShippingAmount)
		case argShippingDate, argDeliveryDate:
			value = time.Now().Format("2006-01-02 15:04:05")
		default:
			known = false
		}
		if value == "" {
			value = arg.DefaultValue
		}
		if value == "" {
			if !known {
				if arg.Required {
					value = fmt.Sprintf("%s not available", arg.Name)
				} else {
					continue
				}
			} else if arg.Required {
				return nil, fmt.Errorf("%q: %w", arg.Name, ErrMissingArgument)
			} else {
				continue
			}
		}
		params[arg.Name] = value
	}
	return params, nil
}

// activeAction returns the unfinished action of the same type for the
// order when one exists. Dispatching is only allowed when it returns nil.
func (d *Dispatcher) activeAction(ctx context.Context, order *repository.Order, actionType string) *repository.Action {
	pending, err := d.actions.GetActive(ctx, order.ID, actionType)
	if errors.Is(err, repository.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		d.logger.Error("failed to check active actions", zap.Error(err))
		// treat lookup failure as "pending" so no duplicate can slip out
		return &repository.Action{ID: 0}
	}
	return pending
}

// recordFailure journals a send error and flags the order, unless it is
// already finished.
func (d *Dispatcher) recordFailure(ctx context.Context, order *repository.Order, cause error) {
	d.logger.Warn("order action failed",
		zap.Int64("order_lengow", order.ID),
		zap.Error(cause))
	metrics.OrderErrorsTotal.WithLabelValues(repository.ErrorTypeSend).Inc()
	if order.OrderProcessState == repository.ProcessStateFinish {
		return
	}
	order.IsInError = true
	if err := d.orders.Update(ctx, order); err != nil {
		d.logger.Error("failed to flag order in error", zap.Error(err))
	}
	if err := d.journal.Record(ctx, order.ID, repository.ErrorTypeSend, cause.Error()); err != nil {
		d.logger.Error("failed to record send error", zap.Error(err))
	}
}

// ReSend repeats the last action of an order, inferring it from the local
// order status when no action was ever recorded.
func (d *Dispatcher) ReSend(ctx context.Context, order *repository.Order) bool {
	actionType, err := d.actions.GetLastActionType(ctx, order.ID)
	if err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
		d.recordFailure(ctx, order, err)
		return false
	}
	if actionType == "" {
		if order.OrderID == nil {
			return false
		}
		localOrder, err := d.commerce.Get(ctx, *order.OrderID)
		if err != nil {
			d.recordFailure(ctx, order, err)
			return false
		}
		switch localOrder.Status {
		case repository.CommerceStatusComplete:
			actionType = repository.ActionTypeShip
		case repository.CommerceStatusCanceled:
			actionType = repository.ActionTypeCancel
		default:
			return false
		}
	}
	return d.Dispatch(ctx, actionType, order)
}
