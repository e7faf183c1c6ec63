package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/api"
	"github.com/channelsync/lengow/internal/config"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/marketplace"
	"github.com/channelsync/lengow/internal/metrics"
	"github.com/channelsync/lengow/internal/orderstate"
	"github.com/channelsync/lengow/internal/repository"
)

// Absolute cap on how far back a sync window may reach.
const maxImportDays = 10

// ErrOrderNotFound is returned by a single-order sync that matched nothing.
var ErrOrderNotFound = errors.New("order not found with this marketplace order id")

// SyncInProgressError is returned when another full pass holds the lock.
type SyncInProgressError struct {
	Remaining time.Duration
}

func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("sync already in progress, %.0fs remaining", e.Remaining.Seconds())
}

// Sync trigger types.
const (
	TypeCron   = "cron"
	TypeManual = "manual"
)

// Params selects what one sync pass covers: a single order, an explicit
// creation window, a lookback in days, or the default window derived from
// the last successful pass.
type Params struct {
	MarketplaceSKU    string
	MarketplaceName   string
	StoreID           int
	DeliveryAddressID int

	Days        int
	CreatedFrom time.Time
	CreatedTo   time.Time

	Limit     int
	ForceSync bool
	Type      string
}

func (p Params) singleOrder() bool {
	return p.MarketplaceSKU != "" && p.MarketplaceName != ""
}

// Result is the outcome tally of one sync pass.
type Result struct {
	OrdersNew     int
	OrdersUpdated int
	OrdersErrored int
	ErrorsByScope map[int]string
}

// Remote is the order API surface the engine consumes.
type Remote interface {
	ListOrders(ctx context.Context, params api.OrderListParams) (*api.OrdersPage, error)
	PatchMerchantOrderIDs(ctx context.Context, marketplaceSKU, marketplaceName string, merchantOrderIDs []int64) error
}

// Definitions resolves marketplace definitions.
type Definitions interface {
	Get(ctx context.Context, name string) (*marketplace.Definition, error)
}

// Reconciler ingests one package into the local state.
type Reconciler interface {
	ReconcilePackage(ctx context.Context, storeID int, data *api.OrderData, pkg *api.Package, def *marketplace.Definition) (orderstate.Outcome, *repository.Order, error)
}

// Housekeeper runs the after-sync action audits.
type Housekeeper interface {
	RunHousekeeping(ctx context.Context)
}

// SyncStore is the persisted coordination row: lock lease and last-import
// marks.
type SyncStore interface {
	Get(ctx context.Context) (*repository.SyncState, error)
	AcquireLock(ctx context.Context, ttl time.Duration) (bool, time.Duration, error)
	ReleaseLock(ctx context.Context) error
	SetLastImport(ctx context.Context, importType string, at time.Time) error
}

// OrderLookup is the row surface needed around reconciliation.
type OrderLookup interface {
	GetByIdentity(ctx context.Context, marketplaceSKU, marketplaceName string, deliveryAddressID int) (*repository.Order, error)
	GetLinkedOrderIDs(ctx context.Context, marketplaceSKU, marketplaceName string) ([]int64, error)
	ListInError(ctx context.Context) ([]*repository.Order, error)
	Update(ctx context.Context, order *repository.Order) error
}

// Engine drives sync passes: window derivation, locking, the scope loop,
// paging, package fan-out and after-sync housekeeping.
type Engine struct {
	cfg         *config.Config
	remote      Remote
	definitions Definitions
	machine     Reconciler
	housekeeper Housekeeper
	syncState   SyncStore
	orders      OrderLookup
	journal     *ledger.Ledger
	logger      *zap.Logger
}

func NewEngine(
	cfg *config.Config,
	remote Remote,
	definitions Definitions,
	machine Reconciler,
	housekeeper Housekeeper,
	syncState SyncStore,
	orders OrderLookup,
	journal *ledger.Ledger,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		remote:      remote,
		definitions: definitions,
		machine:     machine,
		housekeeper: housekeeper,
		syncState:   syncState,
		orders:      orders,
		journal:     journal,
		logger:      logger.Named("import"),
	}
}

// Sync runs one pass. Scope failures are collected into the result, not
// raised; only the lock and single-order misses surface as errors.
func (e *Engine) Sync(ctx context.Context, params Params) (*Result, error) {
	started := time.Now()
	syncType := params.Type
	if syncType == "" {
		syncType = TypeManual
	}
	result := &Result{ErrorsByScope: make(map[int]string)}

	if params.singleOrder() {
		if err := e.syncSingleOrder(ctx, params, result); err != nil {
			metrics.SyncPassesTotal.WithLabelValues(syncType, "error").Inc()
			return result, err
		}
		metrics.SyncPassesTotal.WithLabelValues(syncType, "ok").Inc()
		return result, nil
	}

	if !e.cfg.PreprodMode {
		ok, remaining, err := e.syncState.AcquireLock(ctx, e.cfg.LockTTL)
		if err != nil {
			return result, err
		}
		if !ok {
			metrics.SyncPassesTotal.WithLabelValues(syncType, "locked").Inc()
			return result, &SyncInProgressError{Remaining: remaining}
		}
		defer func() {
			if err := e.syncState.ReleaseLock(ctx); err != nil {
				e.logger.Error("failed to release import lock", zap.Error(err))
			}
		}()
	}

	window, err := e.deriveWindow(ctx, params)
	if err != nil {
		return result, err
	}
	e.logger.Info("sync pass started",
		zap.String("type", syncType),
		zap.Time("from", window.from),
		zap.Time("to", window.to),
		zap.Bool("created_window", window.byCreation))

	claimed := make(map[int]int)
	for _, scope := range e.cfg.Stores {
		if !scope.Active {
			continue
		}
		catalogIDs := e.claimCatalogIDs(scope, claimed)
		if len(catalogIDs) == 0 {
			e.logger.Warn("store has no usable catalog ids, skipped", zap.Int("store", scope.ID))
			continue
		}
		done, err := e.syncScope(ctx, scope, catalogIDs, window, params, result)
		if err != nil {
			e.logger.Error("scope sync failed",
				zap.Int("store", scope.ID),
				zap.Error(err))
			result.ErrorsByScope[scope.ID] = err.Error()
			continue
		}
		if done {
			break
		}
	}

	if len(result.ErrorsByScope) == 0 {
		if err := e.syncState.SetLastImport(ctx, syncType, time.Now()); err != nil {
			e.logger.Error("failed to store last import mark", zap.Error(err))
		}
	}
	if !e.cfg.PreprodMode {
		e.housekeeper.RunHousekeeping(ctx)
	}
	if rows, err := e.orders.ListInError(ctx); err == nil {
		metrics.OrdersInError.Set(float64(len(rows)))
	}

	metrics.SyncDurationSeconds.Observe(time.Since(started).Seconds())
	outcome := "ok"
	if len(result.ErrorsByScope) > 0 {
		outcome = "partial"
	}
	metrics.SyncPassesTotal.WithLabelValues(syncType, outcome).Inc()
	e.logger.Info("sync pass finished",
		zap.Int("new", result.OrdersNew),
		zap.Int("updated", result.OrdersUpdated),
		zap.Int("errored", result.OrdersErrored),
		zap.Int("failed_scopes", len(result.ErrorsByScope)),
		zap.Duration("took", time.Since(started)))
	return result, nil
}

type window struct {
	from       time.Time
	to         time.Time
	byCreation bool
}

// deriveWindow computes the fetch window: an explicit creation range capped
// at the maximum lookback, a days lookback, or the span since the last
// successful pass (at least one day, never more than the cap).
func (e *Engine) deriveWindow(ctx context.Context, params Params) (window, error) {
	now := time.Now()
	maxSpan := time.Duration(maxImportDays) * 24 * time.Hour

	if !params.CreatedFrom.IsZero() {
		to := params.CreatedTo
		if to.IsZero() {
			to = params.CreatedFrom
		}
		// include the whole final day in the range's own zone
		to = time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, 0, to.Location())
		if to.Sub(params.CreatedFrom) > maxSpan {
			to = params.CreatedFrom.Add(maxSpan)
		}
		return window{from: params.CreatedFrom, to: to, byCreation: true}, nil
	}

	interval := time.Duration(e.cfg.ImportDays) * 24 * time.Hour
	if params.Days > 0 {
		interval = time.Duration(params.Days) * 24 * time.Hour
	}
	if interval > maxSpan {
		interval = maxSpan
	}

	if params.Days == 0 {
		state, err := e.syncState.Get(ctx)
		if err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
			return window{}, err
		}
		if state != nil {
			if last := state.LastImport(); last != nil {
				since := now.Sub(*last)
				if since < interval {
					interval = since
					if interval < 24*time.Hour {
						interval = 24 * time.Hour
					}
				}
			}
		}
	}
	return window{from: now.Add(-interval), to: now}, nil
}

// claimCatalogIDs filters the scope's catalog ids against those already
// claimed by an earlier scope. First claimed wins.
func (e *Engine) claimCatalogIDs(scope config.StoreScope, claimed map[int]int) []int {
	var usable []int
	for _, id := range scope.CatalogIDs {
		if owner, taken := claimed[id]; taken {
			e.logger.Warn("catalog id already used by another store, skipped",
				zap.Int("catalog_id", id),
				zap.Int("store", scope.ID),
				zap.Int("claimed_by", owner))
			continue
		}
		claimed[id] = scope.ID
		usable = append(usable, id)
	}
	return usable
}

// syncScope pages through one store's orders. Returns true when the global
// creation limit was reached and the pass should stop.
func (e *Engine) syncScope(
	ctx context.Context,
	scope config.StoreScope,
	catalogIDs []int,
	window window,
	params Params,
	result *Result,
) (bool, error) {
	listParams := api.OrderListParams{
		CatalogIDs:           catalogIDs,
		NoCurrencyConversion: !e.cfg.CurrencyConversion,
	}
	if window.byCreation {
		listParams.CreatedFrom = window.from
		listParams.CreatedTo = window.to
	} else {
		listParams.UpdatedFrom = window.from
		listParams.UpdatedTo = window.to
	}

	for page := 1; ; page++ {
		listParams.Page = page
		ordersPage, err := e.remote.ListOrders(ctx, listParams)
		if err != nil {
			return false, fmt.Errorf("page %d: %w", page, err)
		}
		for i := range ordersPage.Results {
			data := &ordersPage.Results[i]
			done, err := e.processOrder(ctx, scope, data, params, result)
			if err != nil {
				return false, err
			}
			if done {
				return true, nil
			}
		}
		if ordersPage.Next == "" {
			return false, nil
		}
	}
}

// processOrder fans one marketplace order out into its packages. Returns
// true when the creation limit was reached.
func (e *Engine) processOrder(
	ctx context.Context,
	scope config.StoreScope,
	data *api.OrderData,
	params Params,
	result *Result,
) (bool, error) {
	def, err := e.definitions.Get(ctx, data.Marketplace)
	if err != nil {
		e.logger.Warn("marketplace unknown, order skipped",
			zap.String("marketplace", data.Marketplace),
			zap.String("marketplace_sku", data.MarketplaceOrderID),
			zap.Error(err))
		result.OrdersErrored++
		return false, nil
	}

	for i := range data.Packages {
		pkg := &data.Packages[i]
		if params.DeliveryAddressID != 0 &&
			(pkg.Delivery.ID == nil || *pkg.Delivery.ID != params.DeliveryAddressID) {
			continue
		}
		outcome, _, err := e.machine.ReconcilePackage(ctx, scope.ID, data, pkg, def)
		switch outcome {
		case orderstate.OutcomeCreated:
			result.OrdersNew++
			e.pushBackOrderLink(ctx, data)
		case orderstate.OutcomeUpdated:
			result.OrdersUpdated++
		case orderstate.OutcomeErrored:
			result.OrdersErrored++
			e.logger.Warn("package reconciliation failed",
				zap.String("marketplace_sku", data.MarketplaceOrderID),
				zap.Error(err))
		}
		if params.Limit > 0 && result.OrdersNew >= params.Limit {
			e.logger.Info("creation limit reached, pass stopped early", zap.Int("limit", params.Limit))
			return true, nil
		}
	}
	return false, nil
}

// pushBackOrderLink reports the local order ids for a marketplace order
// back to the platform. Failures are logged, never fatal.
func (e *Engine) pushBackOrderLink(ctx context.Context, data *api.OrderData) {
	ids, err := e.orders.GetLinkedOrderIDs(ctx, data.MarketplaceOrderID, data.Marketplace)
	if err != nil || len(ids) == 0 {
		if err != nil {
			e.logger.Warn("failed to collect linked order ids", zap.Error(err))
		}
		return
	}
	if err := e.remote.PatchMerchantOrderIDs(ctx, data.MarketplaceOrderID, data.Marketplace, ids); err != nil {
		e.logger.Warn("failed to push back merchant order ids",
			zap.String("marketplace_sku", data.MarketplaceOrderID),
			zap.Error(err))
	}
}

// syncSingleOrder fetches exactly one marketplace order and reconciles its
// packages, bypassing the lock. Zero results is a hard failure.
func (e *Engine) syncSingleOrder(ctx context.Context, params Params, result *Result) error {
	scope, err := e.scopeByID(params.StoreID)
	if err != nil {
		return err
	}

	page, err := e.remote.ListOrders(ctx, api.OrderListParams{
		MarketplaceOrderID:   params.MarketplaceSKU,
		Marketplace:          params.MarketplaceName,
		NoCurrencyConversion: !e.cfg.CurrencyConversion,
		Page:                 1,
	})
	if err != nil {
		return err
	}
	if len(page.Results) == 0 {
		return fmt.Errorf("%s on %s: %w", params.MarketplaceSKU, params.MarketplaceName, ErrOrderNotFound)
	}

	for i := range page.Results {
		data := &page.Results[i]
		def, err := e.definitions.Get(ctx, data.Marketplace)
		if err != nil {
			return err
		}
		for j := range data.Packages {
			pkg := &data.Packages[j]
			if params.DeliveryAddressID != 0 &&
				(pkg.Delivery.ID == nil || *pkg.Delivery.ID != params.DeliveryAddressID) {
				continue
			}
			if params.ForceSync {
				e.clearImportErrors(ctx, data, pkg)
			}
			outcome, _, recErr := e.machine.ReconcilePackage(ctx, scope.ID, data, pkg, def)
			switch outcome {
			case orderstate.OutcomeCreated:
				result.OrdersNew++
				e.pushBackOrderLink(ctx, data)
			case orderstate.OutcomeUpdated:
				result.OrdersUpdated++
			case orderstate.OutcomeErrored:
				result.OrdersErrored++
				if recErr != nil {
					err = recErr
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// clearImportErrors finishes pending import errors so a forced retry starts
// clean.
func (e *Engine) clearImportErrors(ctx context.Context, data *api.OrderData, pkg *api.Package) {
	if pkg.Delivery.ID == nil {
		return
	}
	order, err := e.orders.GetByIdentity(ctx, data.MarketplaceOrderID, data.Marketplace, *pkg.Delivery.ID)
	if err != nil {
		return
	}
	if err := e.journal.Finish(ctx, order.ID, repository.ErrorTypeImport); err != nil {
		e.logger.Error("failed to finish import errors", zap.Error(err))
		return
	}
	if order.IsInError {
		order.IsInError = false
		if err := e.orders.Update(ctx, order); err != nil {
			e.logger.Error("failed to clear order error flag", zap.Error(err))
		}
	}
}

func (e *Engine) scopeByID(storeID int) (config.StoreScope, error) {
	for _, scope := range e.cfg.Stores {
		if scope.ID == storeID && scope.Active {
			return scope, nil
		}
	}
	return config.StoreScope{}, fmt.Errorf("store %d is not configured or inactive", storeID)
}
