package repository

import "time"

// Sales order statuses of the local commerce system.
const (
	CommerceStatusNew            = "new"
	CommerceStatusProcessing     = "processing"
	CommerceStatusComplete       = "complete"
	CommerceStatusCanceled       = "canceled"
	CommerceStatusTechnicalError = "technical_error"
)

// CommerceOrder is a sales order of the local commerce system. Orders
// ingested from marketplaces carry FromMarketplace.
type CommerceOrder struct {
	ID              int64     `db:"id"`
	IncrementID     string    `db:"increment_id"`
	StoreID         int       `db:"store_id"`
	Status          string    `db:"status"`
	CustomerName    string    `db:"customer_name"`
	CustomerEmail   string    `db:"customer_email"`
	CurrencyCode    string    `db:"currency_code"`
	GrandTotal      float64   `db:"grand_total"`
	ShippingAmount  float64   `db:"shipping_amount"`
	FromMarketplace bool      `db:"from_marketplace"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Shipment is one fulfillment of a sales order.
type Shipment struct {
	ID        int64     `db:"id"`
	OrderID   int64     `db:"order_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ShipmentTrack is a tracking record attached to a shipment.
type ShipmentTrack struct {
	ID         int64     `db:"id"`
	ShipmentID int64     `db:"shipment_id"`
	Carrier    string    `db:"carrier"`
	Title      string    `db:"title"`
	Number     string    `db:"number"`
	CreatedAt  time.Time `db:"created_at"`
}
