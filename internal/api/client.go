package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// API routes of the aggregation platform.
const (
	routeToken        = "/access/get_token"
	routeOrders       = "/v3.0/orders"
	routeOrderMOI     = "/v3.0/orders/moi/"
	routeOrderActions = "/v3.0/orders/actions/"
	routeMarketplaces = "/v3.0/marketplaces"
)

// Client talks to the Lengow aggregation API. Authentication exchanges the
// access/secret token pair for a bearer token, refreshed once on a 401.
type Client struct {
	http        *http.Client
	base        string
	accountID   int
	accessToken string
	secretToken string
	logger      *zap.Logger

	mu    sync.Mutex
	token string
}

func NewClient(base string, accountID int, accessToken, secretToken string, logger *zap.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		base:        base,
		accountID:   accountID,
		accessToken: accessToken,
		secretToken: secretToken,
		logger:      logger.Named("connector"),
	}
}

// AccountID returns the account the client authenticates as.
func (c *Client) AccountID() int {
	return c.accountID
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"access_token": c.accessToken,
		"secret":       c.secretToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+routeToken, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Code: resp.StatusCode, Message: "account ID, access token or secret token are not valid"}
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if tok.Token == "" {
		return "", &APIError{Code: http.StatusForbidden, Message: "no token returned by the webservice"}
	}
	return tok.Token, nil
}

func (c *Client) bearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}
	token, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

// do performs one API call and decodes the response into dest. An API error
// envelope is returned as *APIError. A 401 triggers a single token refresh.
func (c *Client) do(ctx context.Context, method, route string, query url.Values, body []byte, dest interface{}) error {
	retried := false
	for {
		token, err := c.bearer(ctx, retried)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+route, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("error building request: %w", err)
		}
		if query != nil {
			req.URL.RawQuery = query.Encode()
		}
		req.Header.Set("Authorization", token)
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request error: %w", err)
		}
		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("response read error: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !retried {
			retried = true
			continue
		}

		var envelope errorEnvelope
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != nil {
			return envelope.Error
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		if dest != nil {
			if err := json.Unmarshal(payload, dest); err != nil {
				return fmt.Errorf("invalid JSON from webservice: %w", err)
			}
		}
		return nil
	}
}

// OrderListParams selects the orders to fetch. Either MarketplaceOrderID +
// Marketplace (single order) or CatalogIDs + a time window.
type OrderListParams struct {
	MarketplaceOrderID   string
	Marketplace          string
	CatalogIDs           []int
	UpdatedFrom          time.Time
	UpdatedTo            time.Time
	CreatedFrom          time.Time
	CreatedTo            time.Time
	NoCurrencyConversion bool
	Page                 int
}

// ListOrders fetches one page of matching orders. The raw payload of every
// result is preserved alongside the decoded fields.
func (c *Client) ListOrders(ctx context.Context, params OrderListParams) (*OrdersPage, error) {
	query := url.Values{}
	query.Set("account_id", strconv.Itoa(c.accountID))
	query.Set("page", strconv.Itoa(params.Page))
	if params.NoCurrencyConversion {
		query.Set("no_currency_conversion", "true")
	}
	if params.MarketplaceOrderID != "" {
		query.Set("marketplace_order_id", params.MarketplaceOrderID)
		query.Set("marketplace", params.Marketplace)
	} else {
		ids := make([]string, 0, len(params.CatalogIDs))
		for _, id := range params.CatalogIDs {
			ids = append(ids, strconv.Itoa(id))
		}
		query.Set("catalog_ids", strings.Join(ids, ","))
		if !params.CreatedFrom.IsZero() && !params.CreatedTo.IsZero() {
			query.Set("marketplace_order_date_from", params.CreatedFrom.Format(time.RFC3339))
			query.Set("marketplace_order_date_to", params.CreatedTo.Format(time.RFC3339))
		} else {
			query.Set("updated_from", params.UpdatedFrom.Format(time.RFC3339))
			query.Set("updated_to", params.UpdatedTo.Format(time.RFC3339))
		}
	}

	var page struct {
		Count   int               `json:"count"`
		Next    string            `json:"next"`
		Results []json.RawMessage `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, routeOrders, query, nil, &page); err != nil {
		return nil, err
	}
	out := &OrdersPage{Count: page.Count, Next: page.Next}
	for _, raw := range page.Results {
		var order OrderData
		if err := json.Unmarshal(raw, &order); err != nil {
			return nil, fmt.Errorf("invalid order payload: %w", err)
		}
		order.Raw = raw
		out.Results = append(out.Results, order)
	}
	return out, nil
}

// PatchMerchantOrderIDs pushes the local order linkage back to the platform.
func (c *Client) PatchMerchantOrderIDs(ctx context.Context, marketplaceSKU, marketplaceName string, merchantOrderIDs []int64) error {
	body, _ := json.Marshal(map[string]interface{}{
		"account_id":           c.accountID,
		"marketplace_order_id": marketplaceSKU,
		"marketplace":          marketplaceName,
		"merchant_order_id":    merchantOrderIDs,
	})
	return c.do(ctx, http.MethodPatch, routeOrderMOI, nil, body, nil)
}

// SendAction posts a ship/cancel action and returns the remote action id.
func (c *Client) SendAction(ctx context.Context, params map[string]interface{}) (int64, error) {
	query := url.Values{}
	query.Set("account_id", strconv.Itoa(c.accountID))
	for key, value := range params {
		query.Set(key, fmt.Sprint(value))
	}
	var action ActionData
	if err := c.do(ctx, http.MethodGet, routeOrderActions, query, nil, &action); err != nil {
		return 0, err
	}
	if action.ID == 0 {
		return 0, &APIError{Code: http.StatusBadGateway, Message: "action was not created by the webservice"}
	}
	return action.ID, nil
}

// ListActions fetches the current state of dispatched actions, used by the
// after-sync housekeeping to finish completed or failed ones.
func (c *Client) ListActions(ctx context.Context, updatedFrom, updatedTo time.Time, page int) (*ActionsPage, error) {
	query := url.Values{}
	query.Set("account_id", strconv.Itoa(c.accountID))
	query.Set("updated_from", updatedFrom.Format(time.RFC3339))
	query.Set("updated_to", updatedTo.Format(time.RFC3339))
	query.Set("page", strconv.Itoa(page))
	var actions ActionsPage
	if err := c.do(ctx, http.MethodGet, routeOrderActions, query, nil, &actions); err != nil {
		return nil, err
	}
	return &actions, nil
}

// ListMarketplaces fetches the raw marketplace definitions document.
func (c *Client) ListMarketplaces(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, routeMarketplaces, nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
