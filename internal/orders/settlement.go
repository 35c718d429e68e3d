package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SettlementRequest asks the settlement backend to move value from buyer to
// seller for one order.
type SettlementRequest struct {
	OrderID      uuid.UUID `json:"order_id"`
	BuyerID      string    `json:"buyer_id"`
	SellerID     string    `json:"seller_id"`
	Quantity     float64   `json:"quantity"`
	PricePerUnit float64   `json:"price_per_unit"`
	TotalAmount  float64   `json:"total_amount"`
}

// SettlementResult is the backend's verdict on a settlement request.
type SettlementResult struct {
	OrderID           uuid.UUID `json:"order_id"`
	Success           bool      `json:"success"`
	ProviderReference string    `json:"provider_reference"`
	Error             string    `json:"error,omitempty"`
}

// SettlementBackend is the capability that performs the actual value transfer
// (bank transfer, on-chain, escrow account). The coordinator invokes it off
// the caller's goroutine; Settle may block until the transfer resolves. A
// returned error counts as a failed settlement.
type SettlementBackend interface {
	Settle(ctx context.Context, req SettlementRequest) (*SettlementResult, error)
}

// MockSettlementBackend simulates a settlement provider for development and
// tests. Failure injection is keyed per order.
type MockSettlementBackend struct {
	Delay time.Duration

	mu         sync.Mutex
	failOrders map[uuid.UUID]string
	calls      []SettlementRequest
}

// NewMockSettlementBackend creates a backend that settles everything
// successfully after an optional delay.
func NewMockSettlementBackend(delay time.Duration) *MockSettlementBackend {
	return &MockSettlementBackend{
		Delay:      delay,
		failOrders: make(map[uuid.UUID]string),
	}
}

// FailNext makes settlement of the given order fail with the reason.
func (m *MockSettlementBackend) FailNext(orderID uuid.UUID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOrders[orderID] = reason
}

// Calls returns the settlement requests seen so far.
func (m *MockSettlementBackend) Calls() []SettlementRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SettlementRequest(nil), m.calls...)
}

func (m *MockSettlementBackend) Settle(ctx context.Context, req SettlementRequest) (*SettlementResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Failure injection is read after the delay so tests can arm it while a
	// slow settlement is in flight.
	m.mu.Lock()
	reason, shouldFail := m.failOrders[req.OrderID]
	m.mu.Unlock()

	if shouldFail {
		return &SettlementResult{
			OrderID: req.OrderID,
			Success: false,
			Error:   reason,
		}, nil
	}
	return &SettlementResult{
		OrderID:           req.OrderID,
		Success:           true,
		ProviderReference: fmt.Sprintf("MOCK-%s", req.OrderID),
	}, nil
}

// ProviderSettlementBackend submits settlement requests to an external
// provider over HTTP and blocks until the provider resolves the transfer.
// Providers that resolve asynchronously instead push their verdict through
// the settlement callback endpoint.
type ProviderSettlementBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewProviderSettlementBackend creates a backend for the given provider URL.
func NewProviderSettlementBackend(baseURL, apiKey string) *ProviderSettlementBackend {
	return &ProviderSettlementBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *ProviderSettlementBackend) Settle(ctx context.Context, req SettlementRequest) (*SettlementResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build settlement request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settlement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("settlement provider returned status %d", resp.StatusCode)
	}

	var result SettlementResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode settlement response: %w", err)
	}
	result.OrderID = req.OrderID
	return &result, nil
}
