package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to the remote order store API:
//
//	POST  /orders       {cart, shipping, customer, idempotencyKey} -> {orderId, orderNumber}
//	GET   /orders/{id}  -> Order
//	PATCH /orders/{id}  {status?, paymentStatus?} -> Order
type HTTPStore struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPStore creates a client for the order store at baseURL.
func NewHTTPStore(baseURL, apiToken string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		httpClient: client,
		now:        time.Now,
	}
}

type createOrderRequest struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Cart           CartSnapshot `json:"cart"`
	Shipping       ShippingInfo `json:"shipping"`
	Customer       CustomerInfo `json:"customer"`
}

type createOrderResponse struct {
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Create implements Store.
func (h *HTTPStore) Create(ctx context.Context, idempotencyKey string, draft Draft) (Order, error) {
	cart := draft.Cart.Snapshot()
	body, err := json.Marshal(createOrderRequest{
		IdempotencyKey: idempotencyKey,
		Cart:           cart,
		Shipping:       draft.Shipping,
		Customer:       draft.Customer,
	})
	if err != nil {
		return Order{}, err
	}

	var created createOrderResponse
	if err := h.do(ctx, http.MethodPost, "/orders", idempotencyKey, body, &created); err != nil {
		return Order{}, err
	}
	if created.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order store returned no orderId", ErrStoreFailure)
	}
	createdAt := created.CreatedAt
	if createdAt.IsZero() {
		createdAt = h.now().UTC()
	}
	return Order{
		ID:             created.OrderID,
		Number:         created.OrderNumber,
		IdempotencyKey: idempotencyKey,
		Items:          cart.Items,
		Currency:       cart.Currency,
		TotalAmount:    cart.Total(),
		Shipping:       draft.Shipping,
		Customer:       draft.Customer,
		Status:         StatusAwaitingPayment,
		PaymentStatus:  PaymentUnpaid,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// Get implements Store.
func (h *HTTPStore) Get(ctx context.Context, orderID string) (Order, error) {
	var o Order
	if err := h.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), "", nil, &o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Update implements Store.
func (h *HTTPStore) Update(ctx context.Context, orderID string, patch Patch) (Order, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return Order{}, err
	}
	var o Order
	if err := h.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID), "", body, &o); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (h *HTTPStore) do(ctx context.Context, method, path, idempotencyKey string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrStoreFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if h.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrStoreFailure, method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrStoreFailure, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s returned HTTP %d: %s", ErrStoreFailure, method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrStoreFailure, err)
	}
	return nil
}
