package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type OrderRepo struct {
	db db.DB
}

func NewOrderRepo(db db.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

func (r *OrderRepo) Create(ctx context.Context, order *repository.Order) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO lengow_orders (
            order_id, order_sku, store_id, delivery_address_id, delivery_country_iso,
            marketplace_sku, marketplace_name, marketplace_label,
            order_lengow_state, order_process_state, order_date, order_item, order_types,
            currency, total_paid, commission,
            customer_name, customer_email, customer_vat_number,
            carrier, carrier_method, carrier_tracking, carrier_id_relay,
            sent_marketplace, is_in_error, is_reimported, message, extra,
            created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
            $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
        ) RETURNING id
    `, order.OrderID, order.OrderSKU, order.StoreID, order.DeliveryAddressID, order.DeliveryCountryISO,
		order.MarketplaceSKU, order.MarketplaceName, order.MarketplaceLabel,
		order.OrderLengowState, order.OrderProcessState, order.OrderDate, order.OrderItem, order.OrderTypes,
		order.Currency, order.TotalPaid, order.Commission,
		order.CustomerName, order.CustomerEmail, order.CustomerVATNumber,
		order.Carrier, order.CarrierMethod, order.CarrierTracking, order.CarrierRelayID,
		order.SentMarketplace, order.IsInError, order.IsReimported, order.Message, order.Extra,
		order.CreatedAt, order.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *OrderRepo) Update(ctx context.Context, order *repository.Order) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lengow_orders
        SET
            order_id = $1,
            order_sku = $2,
            delivery_country_iso = $3,
            order_lengow_state = $4,
            order_process_state = $5,
            order_item = $6,
            currency = $7,
            total_paid = $8,
            commission = $9,
            customer_name = $10,
            customer_email = $11,
            customer_vat_number = $12,
            carrier = $13,
            carrier_method = $14,
            carrier_tracking = $15,
            carrier_id_relay = $16,
            sent_marketplace = $17,
            is_in_error = $18,
            is_reimported = $19,
            message = $20,
            extra = $21,
            updated_at = $22
        WHERE id = $23
    `, order.OrderID, order.OrderSKU, order.DeliveryCountryISO,
		order.OrderLengowState, order.OrderProcessState, order.OrderItem,
		order.Currency, order.TotalPaid, order.Commission,
		order.CustomerName, order.CustomerEmail, order.CustomerVATNumber,
		order.Carrier, order.CarrierMethod, order.CarrierTracking, order.CarrierRelayID,
		order.SentMarketplace, order.IsInError, order.IsReimported, order.Message, order.Extra,
		order.UpdatedAt, order.ID)
	return err
}

func (r *OrderRepo) GetByID(ctx context.Context, id int64) (*repository.Order, error) {
	var order repository.Order
	err := r.db.Get(ctx, &order, "SELECT * FROM lengow_orders WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetByIdentity looks an order up by its unique reconciliation key.
func (r *OrderRepo) GetByIdentity(ctx context.Context, marketplaceSKU, marketplaceName string, deliveryAddressID int) (*repository.Order, error) {
	var order repository.Order
	err := r.db.Get(ctx, &order, `
        SELECT * FROM lengow_orders
        WHERE marketplace_sku = $1 AND marketplace_name = $2 AND delivery_address_id = $3
    `, marketplaceSKU, marketplaceName, deliveryAddressID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetByOrderID resolves the reconciliation row owning a local order.
func (r *OrderRepo) GetByOrderID(ctx context.Context, orderID int64) (*repository.Order, error) {
	var order repository.Order
	err := r.db.Get(ctx, &order, "SELECT * FROM lengow_orders WHERE order_id = $1", orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetLinkedOrderIDs returns every local order id created for a marketplace
// order, across delivery addresses.
func (r *OrderRepo) GetLinkedOrderIDs(ctx context.Context, marketplaceSKU, marketplaceName string) ([]int64, error) {
	var ids []int64
	err := r.db.Select(ctx, &ids, `
        SELECT order_id FROM lengow_orders
        WHERE marketplace_sku = $1 AND marketplace_name = $2 AND order_id IS NOT NULL
        ORDER BY id ASC
    `, marketplaceSKU, marketplaceName)
	return ids, err
}

// ListInError returns orders still requiring attention: flagged in error
// and not yet finished.
func (r *OrderRepo) ListInError(ctx context.Context) ([]*repository.Order, error) {
	var orders []*repository.Order
	err := r.db.Select(ctx, &orders, `
        SELECT * FROM lengow_orders
        WHERE is_in_error = TRUE AND order_process_state != $1
        ORDER BY created_at ASC
    `, repository.ProcessStateFinish)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders in error: %w", err)
	}
	return orders, nil
}

// ListImported returns orders whose local order exists but whose terminal
// marketplace action may still be missing (process state IMPORT, no error).
func (r *OrderRepo) ListImported(ctx context.Context) ([]*repository.Order, error) {
	var orders []*repository.Order
	err := r.db.Select(ctx, &orders, `
        SELECT * FROM lengow_orders
        WHERE order_process_state = $1 AND is_in_error = FALSE AND order_id IS NOT NULL
        ORDER BY updated_at ASC
    `, repository.ProcessStateImport)
	if err != nil {
		return nil, fmt.Errorf("failed to list imported orders: %w", err)
	}
	return orders, nil
}
