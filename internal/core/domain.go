// Package core holds the domain model shared by every broker component:
// intents, bids, providers, escrow records, and the error kinds surfaced
// at the boundary.
package core

import (
	"strings"
	"time"

	"github.com/kaustubh76/synapse/internal/money"
)

// IntentStatus is the lifecycle state of an Intent.
type IntentStatus string

const (
	IntentOpen          IntentStatus = "OPEN"
	IntentBiddingClosed IntentStatus = "BIDDING_CLOSED"
	IntentAssigned      IntentStatus = "ASSIGNED"
	IntentExecuting     IntentStatus = "EXECUTING"
	IntentFailover      IntentStatus = "FAILOVER"
	IntentCompleted     IntentStatus = "COMPLETED"
	IntentFailed        IntentStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// Category groups intent types into domains with their own scoring weights.
type Category string

const (
	CategoryData      Category = "data"
	CategoryCompute   Category = "compute"
	CategoryLLM       Category = "llm"
	CategoryTool      Category = "tool"
	CategoryFinance   Category = "finance"
	CategoryTransport Category = "transport"
)

// Intent is a client's typed request for a unit of work.
type Intent struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type"` // dotted, e.g. "weather.current"
	Category          Category               `json:"category"`
	ClientAddress     string                 `json:"client_address"`
	Params            map[string]interface{} `json:"params,omitempty"`
	MaxBudget         money.Amount           `json:"max_budget"`
	MinReputation     float64                `json:"min_reputation,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	BiddingDeadline   time.Time              `json:"bidding_deadline"`
	ExecutionDeadline time.Time              `json:"execution_deadline"`
	Status            IntentStatus           `json:"status"`
	AssignedProvider  string                 `json:"assigned_provider,omitempty"` // provider address
	FailoverQueue     []string               `json:"failover_queue,omitempty"`    // provider addresses, rank order
	Result            *IntentResult          `json:"result,omitempty"`
	PaymentPayload    string                 `json:"-"` // opaque pre-authorization, never serialized out
}

// IntentResult is stored once an assigned provider delivers.
type IntentResult struct {
	Data            map[string]interface{} `json:"data"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	TxReference     string                 `json:"tx_reference,omitempty"`
	SettledAmount   money.Amount           `json:"settled_amount"`
	CompletedAt     time.Time              `json:"completed_at"`
}

// BidStatus is the lifecycle state of a Bid.
type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidAccepted  BidStatus = "ACCEPTED"
	BidRejected  BidStatus = "REJECTED"
	BidWithdrawn BidStatus = "WITHDRAWN"
)

// Bid is a provider's priced offer against exactly one intent.
type Bid struct {
	ID              string       `json:"id"`
	IntentID        string       `json:"intent_id"`
	ProviderID      string       `json:"provider_id"`
	ProviderAddress string       `json:"provider_address"`
	BidAmount       money.Amount `json:"bid_amount"`
	EstimatedTimeMs int64        `json:"estimated_time_ms"`
	Confidence      float64      `json:"confidence"` // 0-100
	Quality         float64      `json:"quality,omitempty"`
	ReputationScore float64      `json:"reputation_score"` // snapshot, 0-5
	TEEAttested     bool         `json:"tee_attested"`     // snapshot
	Capabilities    []string     `json:"capabilities"`     // snapshot
	CalculatedScore int          `json:"calculated_score"` // 0-110
	Rank            int          `json:"rank"`             // 1-indexed
	SubmittedAt     time.Time    `json:"submitted_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	Status          BidStatus    `json:"status"`
}

// ProviderStatus tracks liveness.
type ProviderStatus string

const (
	ProviderOnline  ProviderStatus = "ONLINE"
	ProviderOffline ProviderStatus = "OFFLINE"
)

// Provider is a registered counterparty able to bid on intents.
type Provider struct {
	ID              string         `json:"id"`
	Address         string         `json:"address"`
	Name            string         `json:"name"`
	Capabilities    []string       `json:"capabilities"`
	ReputationScore float64        `json:"reputation_score"` // 0-5
	TotalJobs       int64          `json:"total_jobs"`
	SuccessfulJobs  int64          `json:"successful_jobs"`
	AvgResponseMs   float64        `json:"avg_response_ms"`
	TotalEarnings   money.Amount   `json:"total_earnings"`
	TEEAttested     bool           `json:"tee_attested"`
	Status          ProviderStatus `json:"status"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
}

// EscrowStatus tracks held funds. Transitions out of HELD are terminal.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "HELD"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowExpired  EscrowStatus = "EXPIRED"
)

// EscrowEntry holds a client budget for one intent.
type EscrowEntry struct {
	IntentID       string       `json:"intent_id"`
	ClientAddress  string       `json:"client_address"`
	MaxBudget      money.Amount `json:"max_budget"`
	PaymentPayload string       `json:"-"`
	Status         EscrowStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// PaymentSettlement records one settlement attempt. At most one per intent.
type PaymentSettlement struct {
	IntentID        string       `json:"intent_id"`
	Success         bool         `json:"success"`
	Amount          money.Amount `json:"amount"`
	PlatformFee     money.Amount `json:"platform_fee"`
	NetAmount       money.Amount `json:"net_amount"`
	ProviderAddress string       `json:"provider_address"`
	TxReference     string       `json:"tx_reference,omitempty"`
	SettledAt       time.Time    `json:"settled_at"`
	Error           string       `json:"error,omitempty"`
}

// Failure reasons carried on intent:failed events.
const (
	ReasonNoBids             = "NO_BIDS"
	ReasonAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	ReasonExecutionTimeout   = "EXECUTION_TIMEOUT"
	ReasonEscrowFailed       = "ESCROW_FAILED"
)

// CapabilityCovers reports whether a provider capability serves an intent
// type: exact match, or the capability equals the type's prefix up to the
// first dot ("weather" covers "weather.current").
func CapabilityCovers(capability, intentType string) bool {
	if capability == intentType {
		return true
	}
	if i := strings.IndexByte(intentType, '.'); i > 0 {
		return capability == intentType[:i]
	}
	return false
}

// AnyCapabilityCovers checks a provider's full capability set.
func AnyCapabilityCovers(capabilities []string, intentType string) bool {
	for _, c := range capabilities {
		if CapabilityCovers(c, intentType) {
			return true
		}
	}
	return false
}
