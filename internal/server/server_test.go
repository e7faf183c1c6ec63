package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/channelsync/lengow/internal/config"
	"github.com/channelsync/lengow/internal/importer"
	"github.com/channelsync/lengow/internal/ledger"
	"github.com/channelsync/lengow/internal/repository"
)

type fakeSyncer struct {
	params []importer.Params
	result *importer.Result
	err    error
}

func (f *fakeSyncer) Sync(_ context.Context, params importer.Params) (*importer.Result, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &importer.Result{}, nil
}

type fakeOrders struct {
	inError []*repository.Order
	err     error
}

func (f *fakeOrders) ListInError(_ context.Context) ([]*repository.Order, error) {
	return f.inError, f.err
}

type memoryErrors struct {
	rows []*repository.OrderError
}

func (m *memoryErrors) Create(_ context.Context, e *repository.OrderError) (int64, error) {
	row := *e
	row.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, &row)
	return row.ID, nil
}

func (m *memoryErrors) FinishByOrder(_ context.Context, orderID int64, types ...string) error {
	for _, row := range m.rows {
		if row.OrderLengowID != orderID {
			continue
		}
		if len(types) == 0 {
			row.IsFinished = true
			continue
		}
		for _, t := range types {
			if row.Type == t {
				row.IsFinished = true
			}
		}
	}
	return nil
}

func (m *memoryErrors) GetUnfinished(_ context.Context, orderID int64, errorType string) (*repository.OrderError, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].OrderLengowID == orderID && m.rows[i].Type == errorType && !m.rows[i].IsFinished {
			return m.rows[i], nil
		}
	}
	return nil, repository.ErrObjectNotFound
}

func (m *memoryErrors) ListByOrder(_ context.Context, orderID int64) ([]*repository.OrderError, error) {
	var out []*repository.OrderError
	for _, row := range m.rows {
		if row.OrderLengowID == orderID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fixture struct {
	handler http.Handler
	syncer  *fakeSyncer
	orders  *fakeOrders
	errors  *memoryErrors
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		syncer: &fakeSyncer{},
		orders: &fakeOrders{},
		errors: &memoryErrors{},
	}
	cfg := &config.Config{ToolboxUser: "ops", ToolboxPasswordHash: string(hash)}
	srv := New(f.syncer, f.orders, ledger.New(f.errors, zap.NewNop()), cfg, zap.NewNop())
	f.handler = srv.setupRoutes()
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.SetBasicAuth("ops", "secret")
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestSyncRequiresAuth(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodPost, "/sync", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, `Basic realm="Restricted"`, rr.Header().Get("WWW-Authenticate"))
	assert.Empty(t, f.syncer.params)
}

func TestSyncRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(nil))
	req.SetBasicAuth("ops", "wrong")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, f.syncer.params)
}

func TestSyncRunsManualPass(t *testing.T) {
	f := newFixture(t)
	f.syncer.result = &importer.Result{OrdersNew: 3, OrdersUpdated: 1}

	rr := f.request(t, http.MethodPost, "/sync", map[string]interface{}{"days": 5, "limit": 10}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var result importer.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 3, result.OrdersNew)

	require.Len(t, f.syncer.params, 1)
	assert.Equal(t, 5, f.syncer.params[0].Days)
	assert.Equal(t, 10, f.syncer.params[0].Limit)
	assert.Equal(t, importer.TypeManual, f.syncer.params[0].Type)
}

func TestSyncParsesCreationWindow(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodPost, "/sync", map[string]interface{}{
		"created_from": "2026-08-01",
		"created_to":   "2026-08-05",
	}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.syncer.params, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), f.syncer.params[0].CreatedFrom)
	assert.Equal(t, time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC), f.syncer.params[0].CreatedTo)
}

func TestSyncRejectsBadDate(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodPost, "/sync", map[string]interface{}{"created_from": "01/08/2026"}, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.syncer.params)
}

func TestSyncConflictWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = &importer.SyncInProgressError{Remaining: time.Minute}

	rr := f.request(t, http.MethodPost, "/sync", nil, true)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSyncOrderValidatesIdentity(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodPost, "/sync/order", map[string]interface{}{"store_id": 1}, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.syncer.params)
}

func TestSyncOrderNotFound(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = importer.ErrOrderNotFound

	rr := f.request(t, http.MethodPost, "/sync/order", map[string]interface{}{
		"marketplace_sku":  "SKU-404",
		"marketplace_name": "amazon_fr",
		"store_id":         1,
	}, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSyncOrderPassesParams(t *testing.T) {
	f := newFixture(t)

	rr := f.request(t, http.MethodPost, "/sync/order", map[string]interface{}{
		"marketplace_sku":     "SKU-1",
		"marketplace_name":    "amazon_fr",
		"store_id":            2,
		"delivery_address_id": 501,
		"force":               true,
	}, true)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.syncer.params, 1)
	got := f.syncer.params[0]
	assert.Equal(t, "SKU-1", got.MarketplaceSKU)
	assert.Equal(t, "amazon_fr", got.MarketplaceName)
	assert.Equal(t, 2, got.StoreID)
	assert.Equal(t, 501, got.DeliveryAddressID)
	assert.True(t, got.ForceSync)
}

func TestOrderErrorsReportsUnfinishedOnly(t *testing.T) {
	f := newFixture(t)
	f.orders.inError = []*repository.Order{
		{
			ID:                7,
			MarketplaceSKU:    "SKU-ERR",
			MarketplaceName:   "amazon_fr",
			DeliveryAddressID: 501,
			OrderLengowState:  repository.StateWaitingShipment,
			IsInError:         true,
		},
	}
	journal := ledger.New(f.errors, zap.NewNop())
	require.NoError(t, journal.Record(context.Background(), 7, repository.ErrorTypeImport, "order creation failed"))
	require.NoError(t, journal.Record(context.Background(), 7, repository.ErrorTypeSend, "carrier rejected"))
	require.NoError(t, journal.Finish(context.Background(), 7, repository.ErrorTypeSend))

	rr := f.request(t, http.MethodGet, "/orders/errors", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	var items []orderErrorItem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "SKU-ERR", items[0].MarketplaceSKU)
	require.Len(t, items[0].Errors, 1)
	assert.Equal(t, repository.ErrorTypeImport, items[0].Errors[0].Type)
	assert.Equal(t, "order creation failed", items[0].Errors[0].Message)
}

func TestOrderErrorsStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.orders.err = errors.New("db down")

	rr := f.request(t, http.MethodGet, "/orders/errors", nil, true)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
