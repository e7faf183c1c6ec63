package orderstate

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

// Outcome classifies what one package reconciliation did. Skip conditions
// are outcomes, not errors.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeErrored:
		return "errored"
	default:
		return "skipped"
	}
}

// OrderStore is the reconciliation-row persistence surface.
type OrderStore interface {
	Create(ctx context.Context, order *repository.Order) (int64, error)
	Update(ctx context.Context, order *repository.Order) error
	GetByIdentity(ctx context.Context, marketplaceSKU, marketplaceName string, deliveryAddressID int) (*repository.Order, error)
}

// LineStore caches marketplace order line ids per local order.
type LineStore interface {
	Create(ctx context.Context, line *repository.OrderLine) error
}

// ActionFinisher closes open actions when an order reaches a terminal state.
type ActionFinisher interface {
	FinishByOrder(ctx context.Context, orderID int64) error
}

// EventSink receives order lifecycle events. A sink failure never aborts
// order processing.
type EventSink interface {
	Record(ctx context.Context, event string, order *repository.Order, oldState string) error
}

// Machine reconciles marketplace packages into local orders and applies
// canonical state transitions to them.
type Machine struct {
	orders   OrderStore
	lines    LineStore
	actions  ActionFinisher
	journal  *ledger.Ledger
	commerce *commerce.Service
	events   EventSink
	logger   *zap.Logger
}

func NewMachine(
	orders OrderStore,
	lines LineStore,
	actions ActionFinisher,
	journal *ledger.Ledger,
	commerceSvc *commerce.Service,
	events EventSink,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		orders:   orders,
		lines:    lines,
		actions:  actions,
		journal:  journal,
		commerce: commerceSvc,
		events:   events,
		logger:   logger.Named("import"),
	}
}

// ProcessStateFor maps a canonical state onto the coarse process state.
func ProcessStateFor(state string) int {
	switch state {
	case repository.StateAccepted, repository.StateWaitingShipment:
		return repository.ProcessStateImport
	case repository.StateShipped, repository.StateClosed, repository.StateRefused,
		repository.StateCanceled, repository.StateRefunded:
		return repository.ProcessStateFinish
	default:
		return repository.ProcessStateNew
	}
}

// importable reports whether a canonical state warrants creating a local
// sales order.
func importable(state string) bool {
	switch state {
	case repository.StateAccepted, repository.StateWaitingShipment,
		repository.StateShipped, repository.StateClosed:
		return true
	}
	return false
}

// ReconcilePackage ingests one delivery package of a marketplace order.
// The second sync of an identical payload is idempotent: it yields Updated
// (or Skipped), never a duplicate row.
func (m *Machine) ReconcilePackage(
	ctx context.Context,
	storeID int,
	data *api.OrderData,
	pkg *api.Package,
	def *marketplace.Definition,
) (Outcome, *repository.Order, error) {
	if pkg.Delivery.ID == nil {
		m.logger.Info("package has no delivery address id, skipped",
			zap.String("marketplace_sku", data.MarketplaceOrderID),
			zap.String("marketplace", data.Marketplace))
		return OutcomeSkipped, nil, nil
	}
	deliveryAddressID := *pkg.Delivery.ID

	canonical := def.StateFor(data.MarketplaceStatus)
	if canonical == "" {
		m.logger.Info("marketplace state not mapped, skipped",
			zap.String("marketplace_sku", data.MarketplaceOrderID),
			zap.String("marketplace_status", data.MarketplaceStatus))
		return OutcomeSkipped, nil, nil
	}

	order, err := m.orders.GetByIdentity(ctx, data.MarketplaceOrderID, data.Marketplace, deliveryAddressID)
	if err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
		return OutcomeErrored, nil, err
	}

	if order != nil {
		if order.IsReimported {
			return m.reimport(ctx, order, storeID, data, pkg, def, canonical)
		}
		if order.OrderProcessState == repository.ProcessStateFinish {
			return OutcomeSkipped, order, nil
		}
		if order.OrderID != nil {
			changed, err := m.ApplyState(ctx, order, canonical, pkg)
			if err != nil {
				return m.fail(ctx, order, err)
			}
			if !changed {
				if err := m.events.Record(ctx, "order.updated", order, ""); err != nil {
					m.logger.Warn("failed to record order event", zap.Error(err))
				}
			}
			metrics.OrdersUpdatedTotal.Inc()
			return OutcomeUpdated, order, nil
		}
		// the row exists but local order creation failed before: retry
	}

	if !importable(canonical) {
		m.logger.Info("order state not importable, skipped",
			zap.String("marketplace_sku", data.MarketplaceOrderID),
			zap.String("state", canonical))
		return OutcomeSkipped, order, nil
	}

	order, err = m.upsertRow(ctx, order, storeID, deliveryAddressID, data, pkg, def, canonical)
	if err != nil {
		return OutcomeErrored, nil, err
	}

	if order.IsDeliveredByMarketplace() {
		// the marketplace fulfills these itself, nothing to do locally
		order.OrderProcessState = repository.ProcessStateFinish
		if err := m.orders.Update(ctx, order); err != nil {
			return m.fail(ctx, order, err)
		}
		m.logger.Info("order shipped by marketplace, not imported",
			zap.String("marketplace_sku", data.MarketplaceOrderID))
		return OutcomeSkipped, order, nil
	}

	if err := m.createLocalOrder(ctx, order, data, pkg); err != nil {
		return m.fail(ctx, order, err)
	}

	if _, err := m.transition(ctx, order, canonical, pkg); err != nil {
		return m.fail(ctx, order, err)
	}

	if err := m.events.Record(ctx, "order.imported", order, ""); err != nil {
		m.logger.Warn("failed to record order event", zap.Error(err))
	}
	metrics.OrdersImportedTotal.Inc()
	m.logger.Info("order imported",
		zap.Int64("order_lengow", order.ID),
		zap.String("marketplace_sku", order.MarketplaceSKU),
		zap.String("state", canonical))
	return OutcomeCreated, order, nil
}

// reimport relinks the row to a fresh local order, parking the previous one
// in technical_error instead of rewriting it.
func (m *Machine) reimport(
	ctx context.Context,
	order *repository.Order,
	storeID int,
	data *api.OrderData,
	pkg *api.Package,
	def *marketplace.Definition,
	canonical string,
) (Outcome, *repository.Order, error) {
	if order.OrderID != nil {
		if err := m.commerce.MarkTechnicalError(ctx, *order.OrderID); err != nil {
			return m.fail(ctx, order, err)
		}
		m.logger.Info("previous order parked in technical error",
			zap.Int64("order", *order.OrderID),
			zap.Int64("order_lengow", order.ID))
	}
	order.OrderID = nil
	order.OrderSKU = nil
	order.OrderProcessState = repository.ProcessStateNew
	order.IsReimported = false
	if err := m.orders.Update(ctx, order); err != nil {
		return m.fail(ctx, order, err)
	}

	updated, err := m.upsertRow(ctx, order, storeID, order.DeliveryAddressID, data, pkg, def, canonical)
	if err != nil {
		return m.fail(ctx, order, err)
	}
	if err := m.createLocalOrder(ctx, updated, data, pkg); err != nil {
		return m.fail(ctx, updated, err)
	}
	if _, err := m.transition(ctx, updated, canonical, pkg); err != nil {
		return m.fail(ctx, updated, err)
	}
	if err := m.events.Record(ctx, "order.imported", updated, ""); err != nil {
		m.logger.Warn("failed to record order event", zap.Error(err))
	}
	return OutcomeCreated, updated, nil
}

// upsertRow creates or refreshes the reconciliation row from the payload.
func (m *Machine) upsertRow(
	ctx context.Context,
	order *repository.Order,
	storeID int,
	deliveryAddressID int,
	data *api.OrderData,
	pkg *api.Package,
	def *marketplace.Definition,
	canonical string,
) (*repository.Order, error) {
	now := time.Now()
	if order == nil {
		order = &repository.Order{
			StoreID:           storeID,
			DeliveryAddressID: deliveryAddressID,
			MarketplaceSKU:    data.MarketplaceOrderID,
			MarketplaceName:   data.Marketplace,
			CreatedAt:         now,
		}
	}
	order.MarketplaceLabel = def.Label()
	order.OrderLengowState = canonical
	order.OrderProcessState = repository.ProcessStateNew
	order.OrderDate = parseOrderDate(data.MarketplaceOrderDate)
	order.OrderItem = itemCount(pkg)
	order.Currency = data.Currency.ISOa3
	order.TotalPaid = data.TotalOrder
	order.Commission = data.Commission
	order.CustomerName = data.BillingAddress.FullName
	order.CustomerEmail = data.BillingAddress.Email
	order.CustomerVATNumber = data.BillingAddress.VATNumber
	order.DeliveryCountryISO = pkg.Delivery.CommonCountryISO
	order.OrderTypes = orderTypesJSON(data.OrderTypes)
	order.SentMarketplace = sentByMarketplace(pkg)
	order.Extra = data.Raw
	order.UpdatedAt = now
	applyTracking(order, pkg)

	if order.ID == 0 {
		id, err := m.orders.Create(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("error creating order row: %w", err)
		}
		order.ID = id
		return order, nil
	}
	if err := m.orders.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("error updating order row: %w", err)
	}
	return order, nil
}

// createLocalOrder creates the commerce order, links it and caches the
// marketplace order lines.
func (m *Machine) createLocalOrder(ctx context.Context, order *repository.Order, data *api.OrderData, pkg *api.Package) error {
	localOrder, err := m.commerce.Create(ctx, commerce.NewOrder{
		StoreID:        order.StoreID,
		CustomerName:   order.CustomerName,
		CustomerEmail:  order.CustomerEmail,
		CurrencyCode:   order.Currency,
		GrandTotal:     data.TotalOrder,
		ShippingAmount: data.Shipping,
	})
	if err != nil {
		return fmt.Errorf("local order creation failed: %w", err)
	}
	order.OrderID = &localOrder.ID
	order.OrderSKU = &localOrder.IncrementID
	order.OrderProcessState = ProcessStateFor(order.OrderLengowState)
	order.IsInError = false
	if err := m.orders.Update(ctx, order); err != nil {
		return err
	}
	if err := m.journal.Finish(ctx, order.ID, repository.ErrorTypeImport); err != nil {
		return err
	}
	for _, item := range pkg.Cart {
		if item.MarketplaceOrderLineID == "" {
			continue
		}
		if err := m.lines.Create(ctx, &repository.OrderLine{
			OrderID:     localOrder.ID,
			OrderLineID: item.MarketplaceOrderLineID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyState records a canonical state change on the row and applies the
// matching local transition. A cancel that is not possible locally is a
// silent no-op. Returns whether anything changed.
func (m *Machine) ApplyState(ctx context.Context, order *repository.Order, canonical string, pkg *api.Package) (bool, error) {
	process := ProcessStateFor(canonical)
	if order.OrderLengowState == canonical && order.OrderProcessState >= process {
		return false, nil
	}
	oldState := order.OrderLengowState
	order.OrderLengowState = canonical
	applyTracking(order, pkg)

	if process == repository.ProcessStateFinish {
		if err := m.actions.FinishByOrder(ctx, order.ID); err != nil {
			return false, err
		}
		if err := m.journal.Finish(ctx, order.ID, repository.ErrorTypeSend); err != nil {
			return false, err
		}
		order.OrderProcessState = repository.ProcessStateFinish
		order.IsInError = false
	} else if process > order.OrderProcessState {
		order.OrderProcessState = process
	}

	transitioned, err := m.transition(ctx, order, canonical, pkg)
	if err != nil {
		return false, err
	}

	order.UpdatedAt = time.Now()
	if err := m.orders.Update(ctx, order); err != nil {
		return false, err
	}
	if err := m.events.Record(ctx, "order.state_changed", order, oldState); err != nil {
		m.logger.Warn("failed to record order event", zap.Error(err))
	}
	m.logger.Info("order state applied",
		zap.Int64("order_lengow", order.ID),
		zap.String("old_state", oldState),
		zap.String("new_state", canonical),
		zap.Bool("local_transition", transitioned))
	return true, nil
}

// transition applies the local ship/cancel side of a canonical state. A
// cancel that is not possible locally is a silent no-op.
func (m *Machine) transition(ctx context.Context, order *repository.Order, canonical string, pkg *api.Package) (bool, error) {
	if order.OrderID == nil {
		return false, nil
	}
	localOrder, err := m.commerce.Get(ctx, *order.OrderID)
	if err != nil {
		return false, err
	}
	switch canonical {
	case repository.StateShipped, repository.StateClosed:
		if m.commerce.CanShip(localOrder) {
			if _, err := m.commerce.Ship(ctx, localOrder.ID, shipTrack(pkg)); err != nil {
				return false, err
			}
			return true, nil
		}
	case repository.StateCanceled, repository.StateRefused:
		if m.commerce.CanCancel(localOrder) {
			if err := m.commerce.Cancel(ctx, localOrder.ID); err != nil {
				return false, err
			}
			return true, nil
		}
		m.logger.Info("order can not be canceled locally",
			zap.Int64("order", localOrder.ID),
			zap.String("status", localOrder.Status))
	}
	return false, nil
}

// fail records an import error on the row and flags it, without aborting
// the caller's sync pass.
func (m *Machine) fail(ctx context.Context, order *repository.Order, cause error) (Outcome, *repository.Order, error) {
	if order != nil && order.ID != 0 {
		if order.OrderProcessState != repository.ProcessStateFinish {
			order.IsInError = true
			order.Message = cause.Error()
			if err := m.orders.Update(ctx, order); err != nil {
				m.logger.Error("failed to flag order in error", zap.Error(err))
			}
			if err := m.journal.Record(ctx, order.ID, repository.ErrorTypeImport, cause.Error()); err != nil {
				m.logger.Error("failed to record order error", zap.Error(err))
			}
		}
	}
	metrics.OrderErrorsTotal.WithLabelValues(repository.ErrorTypeImport).Inc()
	return OutcomeErrored, order, cause
}

func itemCount(pkg *api.Package) int {
	count := 0
	for _, item := range pkg.Cart {
		count += item.Quantity
	}
	return count
}

func sentByMarketplace(pkg *api.Package) bool {
	for _, tracking := range pkg.Delivery.Trackings {
		if tracking.IsDeliveredByMarketplace {
			return true
		}
	}
	return false
}

func applyTracking(order *repository.Order, pkg *api.Package) {
	if pkg == nil || len(pkg.Delivery.Trackings) == 0 {
		return
	}
	tracking := pkg.Delivery.Trackings[0]
	order.Carrier = tracking.Carrier
	order.CarrierMethod = tracking.Method
	order.CarrierTracking = tracking.Number
	order.CarrierRelayID = tracking.RelayID
}

func shipTrack(pkg *api.Package) *commerce.Track {
	if pkg == nil || len(pkg.Delivery.Trackings) == 0 {
		return nil
	}
	tracking := pkg.Delivery.Trackings[0]
	if tracking.Number == "" {
		return nil
	}
	return &commerce.Track{
		Carrier: tracking.Carrier,
		Title:   tracking.Carrier,
		Number:  tracking.Number,
	}
}

func orderTypesJSON(types []api.OrderType) json.RawMessage {
	if len(types) == 0 {
		return json.RawMessage(`{}`)
	}
	set := make(map[string]string, len(types))
	for _, t := range types {
		set[t.Type] = t.Label
	}
	raw, _ := json.Marshal(set)
	return raw
}

var orderDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseOrderDate(value string) time.Time {
	for _, layout := range orderDateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed
		}
	}
	return time.Now()
}
