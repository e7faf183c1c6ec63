package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type CommerceRepo struct {
	db db.DB
}

func NewCommerceRepo(db db.DB) *CommerceRepo {
	return &CommerceRepo{db: db}
}

func (r *CommerceRepo) CreateOrder(ctx context.Context, order *repository.CommerceOrder) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO orders (
            increment_id, store_id, status, customer_name, customer_email,
            currency_code, grand_total, shipping_amount, from_marketplace,
            created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `, order.IncrementID, order.StoreID, order.Status, order.CustomerName, order.CustomerEmail,
		order.CurrencyCode, order.GrandTotal, order.ShippingAmount, order.FromMarketplace,
		order.CreatedAt, order.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *CommerceRepo) SetIncrementID(ctx context.Context, id int64, incrementID string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE orders SET increment_id = $1, updated_at = now() WHERE id = $2
    `, incrementID, id)
	if err != nil {
		return fmt.Errorf("error setting order increment id: %w", err)
	}
	return nil
}

func (r *CommerceRepo) GetOrder(ctx context.Context, id int64) (*repository.CommerceOrder, error) {
	var order repository.CommerceOrder
	err := r.db.Get(ctx, &order, `
        SELECT id, increment_id, store_id, status, customer_name, customer_email,
               currency_code, grand_total, shipping_amount, from_marketplace,
               created_at, updated_at
        FROM orders
        WHERE id = $1
    `, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *CommerceRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE orders SET status = $1, updated_at = now() WHERE id = $2
    `, status, id)
	if err != nil {
		return fmt.Errorf("error updating order status: %w", err)
	}
	return nil
}

func (r *CommerceRepo) CreateShipment(ctx context.Context, shipment *repository.Shipment) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO shipments (order_id, created_at) VALUES ($1, $2) RETURNING id
    `, shipment.OrderID, shipment.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *CommerceRepo) CreateShipmentTrack(ctx context.Context, track *repository.ShipmentTrack) (int64, error) {
	var id int64
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO shipment_tracks (shipment_id, carrier, title, number, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `, track.ShipmentID, track.Carrier, track.Title, track.Number, track.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *CommerceRepo) ListShipments(ctx context.Context, orderID int64) ([]*repository.Shipment, error) {
	var shipments []*repository.Shipment
	err := r.db.Select(ctx, &shipments, `
        SELECT id, order_id, created_at
        FROM shipments
        WHERE order_id = $1
        ORDER BY id
    `, orderID)
	if err != nil {
		return nil, err
	}
	return shipments, nil
}

func (r *CommerceRepo) ListShipmentTracks(ctx context.Context, shipmentID int64) ([]*repository.ShipmentTrack, error) {
	var tracks []*repository.ShipmentTrack
	err := r.db.Select(ctx, &tracks, `
        SELECT id, shipment_id, carrier, title, number, created_at
        FROM shipment_tracks
        WHERE shipment_id = $1
        ORDER BY id
    `, shipmentID)
	if err != nil {
		return nil, err
	}
	return tracks, nil
}
