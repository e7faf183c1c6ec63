package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/channelsync/lengow/internal/api"
	"github.com/channelsync/lengow/internal/config"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/marketplace"
	"github.com/channelsync/lengow/internal/orderstate"
	"github.com/channelsync/lengow/internal/repository"
)

const testDocument = `{
	"amazon_fr": {
		"name": "Amazon FR",
		"orders": {
			"status": {"accepted": ["acknowledged"], "shipped": ["shipped"]},
			"actions": {"ship": {"args": ["tracking_number"]}},
			"carriers": {}
		}
	}
}`

// --- fakes -------------------------------------------------------------

type fakeRemote struct {
	pages      map[int]*api.OrdersPage // keyed by requested page
	listParams []api.OrderListParams
	listErr    error
	moiCalls   int
}

func (f *fakeRemote) ListOrders(_ context.Context, params api.OrderListParams) (*api.OrdersPage, error) {
	f.listParams = append(f.listParams, params)
	if f.listErr != nil {
		return nil, f.listErr
	}
	page, ok := f.pages[params.Page]
	if !ok {
		return &api.OrdersPage{}, nil
	}
	return page, nil
}

func (f *fakeRemote) PatchMerchantOrderIDs(_ context.Context, _, _ string, _ []int64) error {
	f.moiCalls++
	return nil
}

type fakeDefinitions struct {
	definitions map[string]*marketplace.Definition
}

func (f *fakeDefinitions) Get(_ context.Context, name string) (*marketplace.Definition, error) {
	def, ok := f.definitions[name]
	if !ok {
		return nil, marketplace.ErrUnknownMarketplace
	}
	return def, nil
}

// fakeReconciler yields Created on first sight of an identity, Updated
// afterwards, mimicking the idempotent machine.
type fakeReconciler struct {
	seen    map[string]bool
	calls   int
	failAll bool
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{seen: make(map[string]bool)}
}

func (f *fakeReconciler) ReconcilePackage(_ context.Context, storeID int, data *api.OrderData, pkg *api.Package, _ *marketplace.Definition) (orderstate.Outcome, *repository.Order, error) {
	f.calls++
	if f.failAll {
		return orderstate.OutcomeErrored, nil, errors.New("reconcile failed")
	}
	if pkg.Delivery.ID == nil {
		return orderstate.OutcomeSkipped, nil, nil
	}
	key := fmt.Sprintf("%s/%s/%d", data.MarketplaceOrderID, data.Marketplace, *pkg.Delivery.ID)
	if f.seen[key] {
		return orderstate.OutcomeUpdated, &repository.Order{}, nil
	}
	f.seen[key] = true
	return orderstate.OutcomeCreated, &repository.Order{}, nil
}

type fakeHousekeeper struct {
	runs int
}

func (f *fakeHousekeeper) RunHousekeeping(_ context.Context) { f.runs++ }

type fakeSyncState struct {
	locked      bool
	acquires    int
	releases    int
	lastImports []string
	lastImport  *time.Time
}

func (f *fakeSyncState) Get(_ context.Context) (*repository.SyncState, error) {
	return &repository.SyncState{ID: 1, LastImportCron: f.lastImport}, nil
}

func (f *fakeSyncState) AcquireLock(_ context.Context, ttl time.Duration) (bool, time.Duration, error) {
	f.acquires++
	if f.locked {
		return false, ttl / 2, nil
	}
	f.locked = true
	return true, 0, nil
}

func (f *fakeSyncState) ReleaseLock(_ context.Context) error {
	f.releases++
	f.locked = false
	return nil
}

func (f *fakeSyncState) SetLastImport(_ context.Context, importType string, _ time.Time) error {
	f.lastImports = append(f.lastImports, importType)
	return nil
}

type fakeOrderLookup struct{}

func (f *fakeOrderLookup) GetByIdentity(_ context.Context, _, _ string, _ int) (*repository.Order, error) {
	return nil, repository.ErrObjectNotFound
}

func (f *fakeOrderLookup) GetLinkedOrderIDs(_ context.Context, _, _ string) ([]int64, error) {
	return []int64{42}, nil
}

func (f *fakeOrderLookup) ListInError(_ context.Context) ([]*repository.Order, error) {
	return nil, nil
}

func (f *fakeOrderLookup) Update(_ context.Context, _ *repository.Order) error { return nil }

type nopErrorStore struct{}

func (nopErrorStore) Create(_ context.Context, e *repository.OrderError) (int64, error) { return 1, nil }
func (nopErrorStore) FinishByOrder(_ context.Context, _ int64, _ ...string) error       { return nil }
func (nopErrorStore) GetUnfinished(_ context.Context, _ int64, _ string) (*repository.OrderError, error) {
	return nil, repository.ErrObjectNotFound
}
func (nopErrorStore) ListByOrder(_ context.Context, _ int64) ([]*repository.OrderError, error) {
	return nil, nil
}

// --- fixture -----------------------------------------------------------

type fixture struct {
	engine      *Engine
	cfg         *config.Config
	remote      *fakeRemote
	reconciler  *fakeReconciler
	housekeeper *fakeHousekeeper
	syncState   *fakeSyncState
}

func newFixture(t *testing.T, stores ...config.StoreScope) *fixture {
	t.Helper()
	definitions, err := marketplace.Parse(json.RawMessage(testDocument))
	require.NoError(t, err)

	if len(stores) == 0 {
		stores = []config.StoreScope{{ID: 1, Name: "main", CatalogIDs: []int{101}, Active: true}}
	}
	f := &fixture{
		cfg: &config.Config{
			Stores:     stores,
			ImportDays: 3,
			LockTTL:    5 * time.Minute,
		},
		remote:      &fakeRemote{pages: make(map[int]*api.OrdersPage)},
		reconciler:  newFakeReconciler(),
		housekeeper: &fakeHousekeeper{},
		syncState:   &fakeSyncState{},
	}
	f.engine = NewEngine(
		f.cfg,
		f.remote,
		&fakeDefinitions{definitions: definitions},
		f.reconciler,
		f.housekeeper,
		f.syncState,
		&fakeOrderLookup{},
		ledger.New(nopErrorStore{}, zap.NewNop()),
		zap.NewNop(),
	)
	return f
}

func deliveryID(id int) *int { return &id }

func orderWithPackages(sku string, deliveries ...int) api.OrderData {
	data := api.OrderData{
		MarketplaceOrderID: sku,
		Marketplace:        "amazon_fr",
		MarketplaceStatus:  "acknowledged",
	}
	for _, id := range deliveries {
		data.Packages = append(data.Packages, api.Package{
			Delivery: api.Delivery{ID: deliveryID(id)},
		})
	}
	return data
}

// --- tests -------------------------------------------------------------

func TestPackageFanOutCountsPerPackage(t *testing.T) {
	f := newFixture(t)
	f.remote.pages[1] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-1", 501, 502)},
	}

	result, err := f.engine.Sync(context.Background(), Params{Type: TypeManual})
	require.NoError(t, err)
	assert.Equal(t, 2, result.OrdersNew)
	assert.Equal(t, 0, result.OrdersUpdated)
	assert.Equal(t, 2, f.remote.moiCalls)
	assert.Equal(t, 1, f.housekeeper.runs)
	assert.Equal(t, []string{TypeManual}, f.syncState.lastImports)
	assert.Equal(t, 1, f.syncState.releases)
}

func TestSecondPassUpdatesInsteadOfCreating(t *testing.T) {
	f := newFixture(t)
	f.remote.pages[1] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-1", 501)},
	}

	first, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.OrdersNew)

	second, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.OrdersNew)
	assert.Equal(t, 1, second.OrdersUpdated)
}

func TestLockRejectsConcurrentPass(t *testing.T) {
	f := newFixture(t)
	f.syncState.locked = true

	_, err := f.engine.Sync(context.Background(), Params{})
	var inProgress *SyncInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Greater(t, inProgress.Remaining, time.Duration(0))
	// zero order mutations happened
	assert.Equal(t, 0, f.reconciler.calls)
	assert.Equal(t, 0, f.housekeeper.runs)
}

func TestSingleOrderBypassesLock(t *testing.T) {
	f := newFixture(t)
	f.syncState.locked = true
	f.remote.pages[1] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-1", 501)},
	}

	result, err := f.engine.Sync(context.Background(), Params{
		MarketplaceSKU:  "SKU-1",
		MarketplaceName: "amazon_fr",
		StoreID:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrdersNew)
	assert.Equal(t, 0, f.syncState.acquires)
	// single-order passes do not run housekeeping
	assert.Equal(t, 0, f.housekeeper.runs)
}

func TestSingleOrderNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Sync(context.Background(), Params{
		MarketplaceSKU:  "MISSING",
		MarketplaceName: "amazon_fr",
		StoreID:         1,
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPreprodBypassesLockAndHousekeeping(t *testing.T) {
	f := newFixture(t)
	f.cfg.PreprodMode = true
	f.syncState.locked = true
	f.remote.pages[1] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-1", 501)},
	}

	result, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrdersNew)
	assert.Equal(t, 0, f.syncState.acquires)
	assert.Equal(t, 0, f.housekeeper.runs)
}

func TestWindowCappedAtTenDays(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Sync(context.Background(), Params{Days: 15})
	require.NoError(t, err)
	require.NotEmpty(t, f.remote.listParams)

	got := f.remote.listParams[0]
	span := got.UpdatedTo.Sub(got.UpdatedFrom)
	assert.LessOrEqual(t, span, 10*24*time.Hour+time.Minute)
	assert.Greater(t, span, 9*24*time.Hour)
}

func TestCreationWindowCoversFinalDayInItsZone(t *testing.T) {
	f := newFixture(t)
	paris := time.FixedZone("CEST", 2*60*60)
	from := time.Date(2026, 3, 10, 8, 0, 0, 0, paris)
	to := time.Date(2026, 3, 12, 15, 30, 0, 0, paris)

	_, err := f.engine.Sync(context.Background(), Params{CreatedFrom: from, CreatedTo: to})
	require.NoError(t, err)
	require.NotEmpty(t, f.remote.listParams)

	got := f.remote.listParams[0]
	assert.True(t, got.CreatedFrom.Equal(from))
	want := time.Date(2026, 3, 12, 23, 59, 59, 0, paris)
	assert.True(t, got.CreatedTo.Equal(want), "want %s, got %s", want, got.CreatedTo)
}

func TestDefaultWindowFromLastImport(t *testing.T) {
	f := newFixture(t)
	last := time.Now().Add(-30 * time.Hour)
	f.syncState.lastImport = &last

	_, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	require.NotEmpty(t, f.remote.listParams)

	got := f.remote.listParams[0]
	span := got.UpdatedTo.Sub(got.UpdatedFrom)
	// roughly the 30h since the last pass, well under the configured 3 days
	assert.Less(t, span, 31*time.Hour)
	assert.Greater(t, span, 29*time.Hour)
}

func TestCatalogCollisionFirstClaimedWins(t *testing.T) {
	f := newFixture(t,
		config.StoreScope{ID: 1, Name: "main", CatalogIDs: []int{101, 102}, Active: true},
		config.StoreScope{ID: 2, Name: "outlet", CatalogIDs: []int{102, 103}, Active: true},
	)

	_, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	require.Len(t, f.remote.listParams, 2)
	assert.Equal(t, []int{101, 102}, f.remote.listParams[0].CatalogIDs)
	assert.Equal(t, []int{103}, f.remote.listParams[1].CatalogIDs)
}

func TestScopeFailureRecordedAndPassContinues(t *testing.T) {
	f := newFixture(t)
	f.remote.listErr = errors.New("api down")

	result, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Contains(t, result.ErrorsByScope[1], "api down")
	// a failed scope blocks the last-import mark
	assert.Empty(t, f.syncState.lastImports)
	// the lock is still released
	assert.Equal(t, 1, f.syncState.releases)
}

func TestPagingUntilNextEmpty(t *testing.T) {
	f := newFixture(t)
	f.remote.pages[1] = &api.OrdersPage{
		Next:    "page2",
		Results: []api.OrderData{orderWithPackages("SKU-1", 501)},
	}
	f.remote.pages[2] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-2", 502)},
	}

	result, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.OrdersNew)
	assert.Len(t, f.remote.listParams, 2)
}

func TestCreationLimitStopsEarly(t *testing.T) {
	f := newFixture(t)
	f.remote.pages[1] = &api.OrdersPage{
		Next: "page2",
		Results: []api.OrderData{
			orderWithPackages("SKU-1", 501, 502),
			orderWithPackages("SKU-2", 503),
		},
	}

	result, err := f.engine.Sync(context.Background(), Params{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.OrdersNew)
	// the second page was never requested
	assert.Len(t, f.remote.listParams, 1)
}

func TestReconcileFailureCountsErrored(t *testing.T) {
	f := newFixture(t)
	f.reconciler.failAll = true
	f.remote.pages[1] = &api.OrdersPage{
		Results: []api.OrderData{orderWithPackages("SKU-1", 501)},
	}

	result, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.OrdersNew)
	assert.Equal(t, 1, result.OrdersErrored)
	// a per-order failure does not fail the scope
	assert.Empty(t, result.ErrorsByScope)
	assert.Len(t, f.syncState.lastImports, 1)
}

func TestInactiveStoreSkipped(t *testing.T) {
	f := newFixture(t,
		config.StoreScope{ID: 1, Name: "main", CatalogIDs: []int{101}, Active: false},
	)

	result, err := f.engine.Sync(context.Background(), Params{})
	require.NoError(t, err)
	assert.Empty(t, f.remote.listParams)
	assert.Equal(t, 0, result.OrdersNew)
}
