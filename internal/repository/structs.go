package repository

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("not found")

// Order process states: coarse lifecycle phase of a marketplace order,
// independent of the marketplace status detail. Only ever advances
// NEW -> IMPORT -> FINISH, except for an explicit re-import reset.
const (
	ProcessStateNew    = 0
	ProcessStateImport = 1
	ProcessStateFinish = 2
)

// Canonical Lengow order states.
const (
	StateNew               = "new"
	StateWaitingAcceptance = "waiting_acceptance"
	StateAccepted          = "accepted"
	StateWaitingShipment   = "waiting_shipment"
	StateShipped           = "shipped"
	StateClosed            = "closed"
	StateRefused           = "refused"
	StateCanceled          = "canceled"
	StateRefunded          = "refunded"
)

// Order type flags carried in the order_types JSON set.
const (
	TypePrime                  = "is_prime"
	TypeExpress                = "is_express"
	TypeBusiness               = "is_business"
	TypeDeliveredByMarketplace = "is_delivered_by_marketplace"
)

// Order is one marketplace order / delivery address pairing tracked for
// reconciliation. (marketplace_sku, marketplace_name, delivery_address_id)
// uniquely identifies a row.
type Order struct {
	ID                 int64           `db:"id"`
	OrderID            *int64          `db:"order_id"`
	OrderSKU           *string         `db:"order_sku"`
	StoreID            int             `db:"store_id"`
	DeliveryAddressID  int             `db:"delivery_address_id"`
	DeliveryCountryISO string          `db:"delivery_country_iso"`
	MarketplaceSKU     string          `db:"marketplace_sku"`
	MarketplaceName    string          `db:"marketplace_name"`
	MarketplaceLabel   string          `db:"marketplace_label"`
	OrderLengowState   string          `db:"order_lengow_state"`
	OrderProcessState  int             `db:"order_process_state"`
	OrderDate          time.Time       `db:"order_date"`
	OrderItem          int             `db:"order_item"`
	OrderTypes         json.RawMessage `db:"order_types"`
	Currency           string          `db:"currency"`
	TotalPaid          float64         `db:"total_paid"`
	Commission         float64         `db:"commission"`
	CustomerName       string          `db:"customer_name"`
	CustomerEmail      string          `db:"customer_email"`
	CustomerVATNumber  string          `db:"customer_vat_number"`
	Carrier            string          `db:"carrier"`
	CarrierMethod      string          `db:"carrier_method"`
	CarrierTracking    string          `db:"carrier_tracking"`
	CarrierRelayID     string          `db:"carrier_id_relay"`
	SentMarketplace    bool            `db:"sent_marketplace"`
	IsInError          bool            `db:"is_in_error"`
	IsReimported       bool            `db:"is_reimported"`
	Message            string          `db:"message"`
	Extra              json.RawMessage `db:"extra"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (o *Order) orderTypeSet() map[string]json.RawMessage {
	set := map[string]json.RawMessage{}
	if len(o.OrderTypes) > 0 {
		_ = json.Unmarshal(o.OrderTypes, &set)
	}
	return set
}

// IsExpress reports whether the order is flagged express or prime.
func (o *Order) IsExpress() bool {
	set := o.orderTypeSet()
	_, express := set[TypeExpress]
	_, prime := set[TypePrime]
	return express || prime
}

// IsBusiness reports whether the order is a B2B order.
func (o *Order) IsBusiness() bool {
	_, ok := o.orderTypeSet()[TypeBusiness]
	return ok
}

// IsDeliveredByMarketplace reports whether the marketplace handles the
// delivery itself (no ship action may be sent for such orders).
func (o *Order) IsDeliveredByMarketplace() bool {
	if o.SentMarketplace {
		return true
	}
	_, ok := o.orderTypeSet()[TypeDeliveredByMarketplace]
	return ok
}

// Order error types.
const (
	ErrorTypeImport = "import"
	ErrorTypeSend   = "send"
)

// OrderError is one recorded error event for an order.
type OrderError struct {
	ID            int64     `db:"id"`
	OrderLengowID int64     `db:"order_lengow_id"`
	Type          string    `db:"type"`
	Message       string    `db:"message"`
	IsFinished    bool      `db:"is_finished"`
	MailSent      bool      `db:"mail_sent"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Marketplace action types and states.
const (
	ActionTypeShip   = "ship"
	ActionTypeCancel = "cancel"

	ActionStateNew    = "new"
	ActionStateFinish = "finish"
)

// Action is one ship/cancel instruction dispatched to the marketplace.
type Action struct {
	ID             int64           `db:"id"`
	OrderID        int64           `db:"order_id"`
	LengowActionID int64           `db:"action_id"`
	ActionType     string          `db:"action_type"`
	Parameters     json.RawMessage `db:"parameters"`
	RetryCount     int             `db:"retry"`
	State          string          `db:"state"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// OrderLine caches the marketplace order line ids of a local order.
type OrderLine struct {
	ID          int64  `db:"id"`
	OrderID     int64  `db:"order_id"`
	OrderLineID string `db:"order_line_id"`
}

// SyncState is the single persisted coordination row: the import lock
// lease and the last successful import timestamps.
type SyncState struct {
	ID             int        `db:"id"`
	LockedAt       *time.Time `db:"locked_at"`
	LastImportCron *time.Time `db:"last_import_cron"`
	LastImportMan  *time.Time `db:"last_import_manual"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// LastImport returns the most recent of the cron and manual import marks.
func (s *SyncState) LastImport() *time.Time {
	switch {
	case s.LastImportCron == nil:
		return s.LastImportMan
	case s.LastImportMan == nil:
		return s.LastImportCron
	case s.LastImportMan.After(*s.LastImportCron):
		return s.LastImportMan
	default:
		return s.LastImportCron
	}
}

// Outbox task statuses.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDone       TaskStatus = "DONE"
)

// OutboxTask is a pending order event awaiting publication.
type OutboxTask struct {
	ID          uuid.UUID       `db:"id"`
	Status      TaskStatus      `db:"status"`
	Payload     json.RawMessage `db:"payload"`
	Topic       string          `db:"topic"`
	Attempts    int             `db:"attempts"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// OrderEventPayload is the message body published for order lifecycle events.
type OrderEventPayload struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           string    `json:"event"`
	OrderLengowID   int64     `json:"order_lengow_id"`
	OrderID         *int64    `json:"order_id,omitempty"`
	MarketplaceSKU  string    `json:"marketplace_sku"`
	MarketplaceName string    `json:"marketplace_name"`
	OldState        string    `json:"old_state,omitempty"`
	NewState        string    `json:"new_state,omitempty"`
}
