//go:generate mockgen -source ./server.go -destination=./mocks/server.go -package=mock_server
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/channelsync/lengow/internal/config"
	"github.com/channelsync/lengow/internal/importer"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/repository"
)

// Syncer runs synchronization passes on demand.
type Syncer interface {
	Sync(ctx context.Context, params importer.Params) (*importer.Result, error)
}

// OrderStore is the read surface behind the error report.
type OrderStore interface {
	ListInError(ctx context.Context) ([]*repository.Order, error)
}

// Server is the operator toolbox: manual sync triggers and the error
// report, behind basic auth.
type Server struct {
	syncer       Syncer
	orders       OrderStore
	journal      *ledger.Ledger
	user         string
	passwordHash string
	server       *http.Server
	logger       *zap.Logger
}

func New(syncer Syncer, orders OrderStore, journal *ledger.Ledger, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		syncer:       syncer,
		orders:       orders,
		journal:      journal,
		user:         cfg.ToolboxUser,
		passwordHash: cfg.ToolboxPasswordHash,
		logger:       logger.Named("toolbox"),
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	s.server = &http.Server{
		Addr:        ":" + port,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// manual sync passes can run for minutes
		WriteTimeout: 10 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("toolbox server started", zap.String("port", port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("toolbox server stopped")
	return nil
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(s.basicAuthMiddleware)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/order", s.handleSyncOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/errors", s.handleOrderErrors).Methods(http.MethodGet)

	return router
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(s.user)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var syncRequest struct {
		Days        int    `json:"days"`
		CreatedFrom string `json:"created_from"`
		CreatedTo   string `json:"created_to"`
		Limit       int    `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&syncRequest); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	params := importer.Params{
		Days:  syncRequest.Days,
		Limit: syncRequest.Limit,
		Type:  importer.TypeManual,
	}
	if syncRequest.CreatedFrom != "" {
		from, err := time.Parse("2006-01-02", syncRequest.CreatedFrom)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid created_from date. Use YYYY-MM-DD")
			return
		}
		params.CreatedFrom = from
	}
	if syncRequest.CreatedTo != "" {
		to, err := time.Parse("2006-01-02", syncRequest.CreatedTo)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid created_to date. Use YYYY-MM-DD")
			return
		}
		params.CreatedTo = to
	}

	result, err := s.syncer.Sync(r.Context(), params)
	if err != nil {
		var inProgress *importer.SyncInProgressError
		if errors.As(err, &inProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("manual sync failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncOrder(w http.ResponseWriter, r *http.Request) {
	var orderRequest struct {
		MarketplaceSKU    string `json:"marketplace_sku"`
		MarketplaceName   string `json:"marketplace_name"`
		StoreID           int    `json:"store_id"`
		DeliveryAddressID int    `json:"delivery_address_id"`
		Force             bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&orderRequest); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if orderRequest.MarketplaceSKU == "" || orderRequest.MarketplaceName == "" {
		respondError(w, http.StatusBadRequest, "Missing marketplace_sku or marketplace_name")
		return
	}

	result, err := s.syncer.Sync(r.Context(), importer.Params{
		MarketplaceSKU:    orderRequest.MarketplaceSKU,
		MarketplaceName:   orderRequest.MarketplaceName,
		StoreID:           orderRequest.StoreID,
		DeliveryAddressID: orderRequest.DeliveryAddressID,
		ForceSync:         orderRequest.Force,
		Type:              importer.TypeManual,
	})
	if err != nil {
		if errors.Is(err, importer.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "Error: "+err.Error())
			return
		}
		s.logger.Error("single order sync failed",
			zap.String("marketplace_sku", orderRequest.MarketplaceSKU),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type orderErrorItem struct {
	ID                int64            `json:"id"`
	OrderID           *int64           `json:"order_id"`
	MarketplaceSKU    string           `json:"marketplace_sku"`
	MarketplaceName   string           `json:"marketplace_name"`
	DeliveryAddressID int              `json:"delivery_address_id"`
	State             string           `json:"state"`
	Errors            []orderErrorNote `json:"errors"`
}

type orderErrorNote struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleOrderErrors(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListInError(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}

	items := make([]orderErrorItem, 0, len(orders))
	for _, order := range orders {
		item := orderErrorItem{
			ID:                order.ID,
			OrderID:           order.OrderID,
			MarketplaceSKU:    order.MarketplaceSKU,
			MarketplaceName:   order.MarketplaceName,
			DeliveryAddressID: order.DeliveryAddressID,
			State:             order.OrderLengowState,
			Errors:            []orderErrorNote{},
		}
		history, err := s.journal.History(r.Context(), order.ID)
		if err != nil {
			s.logger.Warn("failed to load order error history",
				zap.Int64("order", order.ID),
				zap.Error(err))
		}
		for _, orderError := range history {
			if orderError.IsFinished {
				continue
			}
			item.Errors = append(item.Errors, orderErrorNote{
				Type:      orderError.Type,
				Message:   orderError.Message,
				CreatedAt: orderError.CreatedAt,
			})
		}
		items = append(items, item)
	}

	respondJSON(w, http.StatusOK, items)
}
