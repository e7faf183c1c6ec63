package postgresql

import (
	"context"

	"github.com/channelsync/lengow/internal/db"
	"github.com/channelsync/lengow/internal/repository"
)

type OrderLineRepo struct {
	db db.DB
}

func NewOrderLineRepo(db db.DB) *OrderLineRepo {
	return &OrderLineRepo{db: db}
}

func (r *OrderLineRepo) Create(ctx context.Context, line *repository.OrderLine) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO lengow_order_lines (order_id, order_line_id)
        VALUES ($1, $2)
        ON CONFLICT (order_id, order_line_id) DO NOTHING
    `, line.OrderID, line.OrderLineID)
	return err
}

func (r *OrderLineRepo) GetByOrderID(ctx context.Context, orderID int64) ([]*repository.OrderLine, error) {
	var lines []*repository.OrderLine
	err := r.db.Select(ctx, &lines, `
        SELECT * FROM lengow_order_lines
        WHERE order_id = $1
        ORDER BY id ASC
    `, orderID)
	return lines, err
}
