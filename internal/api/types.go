package api

import (
	"encoding/json"
	"fmt"
)

// APIError is an error object reported by the aggregation API, carrying an
// HTTP-like status code.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lengow api error %d: %s", e.Code, e.Message)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// OrdersPage is one page of the order listing.
type OrdersPage struct {
	Count   int         `json:"count"`
	Next    string      `json:"next"`
	Results []OrderData `json:"results"`
}

// OrderData is the subset of the order payload the engine consumes. Raw
// keeps the full document for the extra column.
type OrderData struct {
	MarketplaceOrderID   string      `json:"marketplace_order_id"`
	Marketplace          string      `json:"marketplace"`
	MarketplaceOrderDate string      `json:"marketplace_order_date"`
	MarketplaceStatus    string      `json:"marketplace_status"`
	OrderTypes           []OrderType `json:"order_types"`
	Currency             Currency    `json:"currency"`
	TotalOrder           float64     `json:"total_order"`
	Shipping             float64     `json:"shipping"`
	Commission           float64     `json:"commission"`
	BillingAddress       Address     `json:"billing_address"`
	Packages             []Package   `json:"packages"`

	Raw json.RawMessage `json:"-"`
}

type OrderType struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

type Currency struct {
	ISOa3 string `json:"iso_a3"`
}

type Address struct {
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	VATNumber string `json:"vat_number"`
}

// Package is one deliverable sub-unit of a marketplace order. Each package
// has its own delivery address and becomes its own reconciliation row.
type Package struct {
	Delivery Delivery   `json:"delivery"`
	Cart     []CartItem `json:"cart"`
}

type Delivery struct {
	ID               *int       `json:"id"`
	CommonCountryISO string     `json:"common_country_iso_a2"`
	Trackings        []Tracking `json:"trackings"`
}

type Tracking struct {
	Number                   string `json:"number"`
	Carrier                  string `json:"carrier"`
	Method                   string `json:"method"`
	RelayID                  string `json:"relay_id"`
	IsDeliveredByMarketplace bool   `json:"is_delivered_by_marketplace"`
}

type CartItem struct {
	MarketplaceOrderLineID string  `json:"marketplace_order_line_id"`
	Quantity               int     `json:"quantity"`
	Amount                 float64 `json:"amount"`
}

// ActionData is one marketplace action as reported by the API.
type ActionData struct {
	ID                 int64  `json:"id"`
	ActionType         string `json:"action_type"`
	MarketplaceOrderID string `json:"marketplace_order_id"`
	Queued             bool   `json:"queued"`
	Processed          bool   `json:"processed"`
	Errors             string `json:"errors"`
}

// ActionsPage is one page of the action listing.
type ActionsPage struct {
	Count   int          `json:"count"`
	Next    string       `json:"next"`
	Results []ActionData `json:"results"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	AccountID int    `json:"account_id"`
	UserID    int    `json:"user_id"`
}
