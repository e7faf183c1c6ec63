package commerce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/repository"
)

// ErrCannotCancel is returned when the order status forbids cancellation.
var ErrCannotCancel = errors.New("order can not be canceled")

// ErrCannotShip is returned when the order status forbids shipping.
var ErrCannotShip = errors.New("order can not be shipped")

// Store is the persistence surface of the sales order system.
type Store interface {
	CreateOrder(ctx context.Context, order *repository.CommerceOrder) (int64, error)
	SetIncrementID(ctx context.Context, id int64, incrementID string) error
	GetOrder(ctx context.Context, id int64) (*repository.CommerceOrder, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	CreateShipment(ctx context.Context, shipment *repository.Shipment) (int64, error)
	CreateShipmentTrack(ctx context.Context, track *repository.ShipmentTrack) (int64, error)
	ListShipments(ctx context.Context, orderID int64) ([]*repository.Shipment, error)
	ListShipmentTracks(ctx context.Context, shipmentID int64) ([]*repository.ShipmentTrack, error)
}

//go:generate mockgen -source ./commerce.go -destination=./mocks/commerce.go -package=mock_commerce

// NewOrder carries the fields needed to create a marketplace-sourced sales
// order.
type NewOrder struct {
	StoreID        int
	CustomerName   string
	CustomerEmail  string
	CurrencyCode   string
	GrandTotal     float64
	ShippingAmount float64
}

// Track is a carrier tracking record attached to a shipment.
type Track struct {
	Carrier string
	Title   string
	Number  string
}

// Service owns the sales order lifecycle: new -> processing -> complete,
// with canceled and technical_error as terminal side exits.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger.Named("commerce")}
}

// Create inserts a new sales order in processing status and assigns its
// increment id.
func (s *Service) Create(ctx context.Context, newOrder NewOrder) (*repository.CommerceOrder, error) {
	now := time.Now()
	order := &repository.CommerceOrder{
		StoreID:         newOrder.StoreID,
		Status:          repository.CommerceStatusProcessing,
		CustomerName:    newOrder.CustomerName,
		CustomerEmail:   newOrder.CustomerEmail,
		CurrencyCode:    newOrder.CurrencyCode,
		GrandTotal:      newOrder.GrandTotal,
		ShippingAmount:  newOrder.ShippingAmount,
		FromMarketplace: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	id, err := s.store.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("error creating sales order: %w", err)
	}
	order.ID = id
	order.IncrementID = fmt.Sprintf("%09d", 100000000+id)
	if err := s.store.SetIncrementID(ctx, id, order.IncrementID); err != nil {
		return nil, err
	}
	s.logger.Info("sales order created",
		zap.Int64("order", id),
		zap.String("increment_id", order.IncrementID))
	return order, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*repository.CommerceOrder, error) {
	return s.store.GetOrder(ctx, id)
}

// CanShip reports whether the order accepts a shipment.
func (s *Service) CanShip(order *repository.CommerceOrder) bool {
	return order.Status == repository.CommerceStatusNew ||
		order.Status == repository.CommerceStatusProcessing
}

// Ship creates a shipment with an optional tracking record and completes
// the order.
func (s *Service) Ship(ctx context.Context, orderID int64, track *Track) (*repository.Shipment, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !s.CanShip(order) {
		return nil, fmt.Errorf("order %d in status %s: %w", orderID, order.Status, ErrCannotShip)
	}
	shipment := &repository.Shipment{OrderID: orderID, CreatedAt: time.Now()}
	shipmentID, err := s.store.CreateShipment(ctx, shipment)
	if err != nil {
		return nil, fmt.Errorf("error creating shipment: %w", err)
	}
	shipment.ID = shipmentID
	if track != nil && track.Number != "" {
		_, err = s.store.CreateShipmentTrack(ctx, &repository.ShipmentTrack{
			ShipmentID: shipmentID,
			Carrier:    track.Carrier,
			Title:      track.Title,
			Number:     track.Number,
			CreatedAt:  time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("error creating shipment track: %w", err)
		}
	}
	if err := s.store.UpdateStatus(ctx, orderID, repository.CommerceStatusComplete); err != nil {
		return nil, err
	}
	s.logger.Info("order shipped", zap.Int64("order", orderID), zap.Int64("shipment", shipmentID))
	return shipment, nil
}

// CanCancel reports whether the order accepts cancellation.
func (s *Service) CanCancel(order *repository.CommerceOrder) bool {
	return order.Status == repository.CommerceStatusNew ||
		order.Status == repository.CommerceStatusProcessing
}

// Cancel moves the order to canceled.
func (s *Service) Cancel(ctx context.Context, orderID int64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !s.CanCancel(order) {
		return fmt.Errorf("order %d in status %s: %w", orderID, order.Status, ErrCannotCancel)
	}
	if err := s.store.UpdateStatus(ctx, orderID, repository.CommerceStatusCanceled); err != nil {
		return err
	}
	s.logger.Info("order canceled", zap.Int64("order", orderID))
	return nil
}

// MarkTechnicalError parks the order so it no longer ships or bills. Used
// when the same marketplace order is re-imported into a new sales order.
func (s *Service) MarkTechnicalError(ctx context.Context, orderID int64) error {
	return s.store.UpdateStatus(ctx, orderID, repository.CommerceStatusTechnicalError)
}

// Shipments lists the shipments of an order.
func (s *Service) Shipments(ctx context.Context, orderID int64) ([]*repository.Shipment, error) {
	return s.store.ListShipments(ctx, orderID)
}

// LastTrack returns the tracking record of the most recent shipment, or nil
// when the order has none.
func (s *Service) LastTrack(ctx context.Context, orderID int64) (*Track, error) {
	shipments, err := s.store.ListShipments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(shipments) == 0 {
		return nil, nil
	}
	last := shipments[len(shipments)-1]
	tracks, err := s.store.ListShipmentTracks(ctx, last.ID)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, nil
	}
	track := tracks[len(tracks)-1]
	return &Track{Carrier: track.Carrier, Title: track.Title, Number: track.Number}, nil
}
