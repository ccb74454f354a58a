package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kaustubh76/synapse/internal/money"
)

// PaymentRequirements describes what a payment payload must authorize.
// Built fresh per verification so stale requirements are never reused.
type PaymentRequirements struct {
	Amount       money.Amount `json:"amount"`
	PayTo        string       `json:"pay_to"`
	TokenAddress string       `json:"token_address,omitempty"`
	ChainID      int64        `json:"chain_id,omitempty"`
	ValidUntil   time.Time    `json:"valid_until"`
}

// VerifyResult is the facilitator's judgment of a payment payload.
type VerifyResult struct {
	Valid  bool         `json:"valid"`
	Error  string       `json:"error,omitempty"`
	Amount money.Amount `json:"amount,omitempty"`
	From   string       `json:"from,omitempty"`
	To     string       `json:"to,omitempty"`
	Token  string       `json:"token,omitempty"`
}

// SettleResult is the outcome of an on-chain (or simulated) settlement.
type SettleResult struct {
	Success     bool   `json:"success"`
	TxReference string `json:"tx_reference,omitempty"`
	BlockHeight int64  `json:"block_height,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	GasUsed     int64  `json:"gas_used,omitempty"`
}

// SupportedMethod describes one chain/token pair the facilitator settles.
type SupportedMethod struct {
	ChainID      int64  `json:"chain_id"`
	TokenAddress string `json:"token_address"`
	Scheme       string `json:"scheme"`
}

// SupportedQuery filters the supported-method listing.
type SupportedQuery struct {
	ChainID      int64  `json:"chain_id,omitempty"`
	TokenAddress string `json:"token_address,omitempty"`
}

// Facilitator is the external payment collaborator. Concrete
// implementations are out of scope; the broker consumes this surface only.
type Facilitator interface {
	Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error)
	Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error)
	Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error)
}

// =============================================================================
// HTTP facilitator adapter
// =============================================================================

// HTTPFacilitator talks JSON to a remote facilitator service.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator builds an adapter for the facilitator at baseURL.
func NewHTTPFacilitator(baseURL string, timeout time.Duration) *HTTPFacilitator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFacilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type facilitatorRequest struct {
	Payload      string              `json:"payload"`
	Requirements PaymentRequirements `json:"requirements"`
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error) {
	var out VerifyResult
	if err := f.post(ctx, "/verify", facilitatorRequest{payload, req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error) {
	var out SettleResult
	if err := f.post(ctx, "/settle", facilitatorRequest{payload, req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error) {
	var out []SupportedMethod
	if err := f.post(ctx, "/supported", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =============================================================================
// Demo facilitator
// =============================================================================

// DemoFacilitator simulates settlement without any chain access: every
// payload verifies, and settle returns a synthesized reference after a
// short randomized latency (500-1500ms) so timing paths get exercised.
type DemoFacilitator struct {
	// Latency may be zeroed in tests for determinism.
	MinLatency time.Duration
	MaxLatency time.Duration

	// FailNext forces the next settle to fail; used by failover tests.
	FailNext bool
}

// NewDemoFacilitator creates a simulator with the default latency band.
func NewDemoFacilitator() *DemoFacilitator {
	return &DemoFacilitator{MinLatency: 500 * time.Millisecond, MaxLatency: 1500 * time.Millisecond}
}

func (d *DemoFacilitator) Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error) {
	return &VerifyResult{Valid: true, Amount: req.Amount, To: req.PayTo, Token: req.TokenAddress}, nil
}

func (d *DemoFacilitator) Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error) {
	if err := d.sleep(ctx); err != nil {
		return nil, err
	}
	if d.FailNext {
		d.FailNext = false
		return &SettleResult{Success: false, Status: "FAILED", Error: "simulated settlement failure"}, nil
	}
	return &SettleResult{
		Success:     true,
		TxReference: "demo-tx-" + uuid.NewString()[:8],
		BlockHeight: time.Now().Unix(),
		Status:      "CONFIRMED",
	}, nil
}

func (d *DemoFacilitator) Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error) {
	return []SupportedMethod{{ChainID: 84532, TokenAddress: "0xdemo-usdc", Scheme: "exact"}}, nil
}

func (d *DemoFacilitator) sleep(ctx context.Context) error {
	if d.MaxLatency <= 0 {
		return nil
	}
	span := d.MaxLatency - d.MinLatency
	delay := d.MinLatency
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
