// Package payment holds client budgets in escrow and settles micropayments
// through a pluggable facilitator. Escrow transitions are terminal once a
// record leaves HELD, and at most one settlement runs per intent at a time.
package payment

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/money"
)

// DefaultEscrowTTL bounds how long funds stay held without resolution.
const DefaultEscrowTTL = 30 * time.Minute

// CreateEscrowRequest opens an escrow for one intent.
type CreateEscrowRequest struct {
	IntentID       string
	ClientAddress  string
	MaxBudget      money.Amount
	PaymentPayload string        // optional pre-authorization
	TTL            time.Duration // default 30m
}

// ReleaseRequest settles a held escrow to the winning provider.
type ReleaseRequest struct {
	ProviderAddress string
	Amount          money.Amount // the accepted bid amount
}

// Options configure the orchestrator.
type Options struct {
	FeePermille        int64 // platform fee, 50 == 5%
	FacilitatorTimeout time.Duration
	PayToAddress       string // platform settlement address in requirements
	Clock              core.Clock
	Archive            *Archive // optional SQL settlement archive
}

// Orchestrator owns the escrow ledger and settlement records.
type Orchestrator struct {
	mu          sync.Mutex
	escrows     map[string]*core.EscrowEntry       // intentID -> escrow
	settlements map[string]*core.PaymentSettlement // intentID -> latest attempt
	inFlight    map[string]bool                    // settlement latch per intent

	facilitator Facilitator
	feeMicros   int64
	callTimeout time.Duration
	payTo       string
	clock       core.Clock
	archive     *Archive
	logger      *log.Logger
}

// New creates an orchestrator against the given facilitator.
func New(facilitator Facilitator, opts Options) *Orchestrator {
	if opts.FeePermille <= 0 {
		opts.FeePermille = 50
	}
	if opts.FacilitatorTimeout <= 0 {
		opts.FacilitatorTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Orchestrator{
		escrows:     make(map[string]*core.EscrowEntry),
		settlements: make(map[string]*core.PaymentSettlement),
		inFlight:    make(map[string]bool),
		facilitator: facilitator,
		feeMicros:   money.FeeRateMicrosFromPermille(opts.FeePermille),
		callTimeout: opts.FacilitatorTimeout,
		payTo:       opts.PayToAddress,
		clock:       opts.Clock,
		archive:     opts.Archive,
		logger:      log.New(log.Writer(), "[Payment] ", log.LstdFlags),
	}
}

// CreateEscrow holds a client budget. A provided payment payload is
// verified with the facilitator first; verification failure rejects the
// escrow (and, upstream, the intent).
func (o *Orchestrator) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*core.EscrowEntry, error) {
	if req.IntentID == "" || req.ClientAddress == "" {
		return nil, core.Errorf(core.KindValidation, "intent id and client address are required")
	}
	if req.MaxBudget <= 0 {
		return nil, core.Errorf(core.KindBudget, "escrow budget must be positive")
	}
	if req.TTL <= 0 {
		req.TTL = DefaultEscrowTTL
	}

	if req.PaymentPayload != "" {
		vctx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
		result, err := o.facilitator.Verify(vctx, req.PaymentPayload, o.requirements(req.MaxBudget, req.TTL))
		if err != nil {
			return nil, core.WrapError(core.KindInfra, err, "payment verification unreachable")
		}
		if !result.Valid {
			return nil, core.Errorf(core.KindVerification, "payment payload rejected: %s", result.Error)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.escrows[req.IntentID]; ok && existing.Status == core.EscrowHeld {
		return nil, core.Errorf(core.KindState, "escrow already held for intent %s", req.IntentID)
	}

	now := o.clock.Now()
	entry := &core.EscrowEntry{
		IntentID:       req.IntentID,
		ClientAddress:  req.ClientAddress,
		MaxBudget:      req.MaxBudget,
		PaymentPayload: req.PaymentPayload,
		Status:         core.EscrowHeld,
		CreatedAt:      now,
		ExpiresAt:      now.Add(req.TTL),
	}
	o.escrows[req.IntentID] = entry

	escrowsOpened.Inc()
	o.logger.Printf("Held %s for intent %s (client=%s, ttl=%s)",
		req.MaxBudget, req.IntentID, req.ClientAddress, req.TTL)

	out := *entry
	return &out, nil
}

// ReleaseEscrow settles the held budget to the provider. Only one release
// may be in flight per intent; a concurrent call fails with a state error.
// A facilitator failure is recorded as an unsuccessful settlement and the
// escrow stays HELD so a failover winner can still be paid.
func (o *Orchestrator) ReleaseEscrow(ctx context.Context, intentID string, req ReleaseRequest) (*core.PaymentSettlement, error) {
	o.mu.Lock()
	entry, ok := o.escrows[intentID]
	if !ok {
		o.mu.Unlock()
		return nil, core.Errorf(core.KindValidation, "no escrow for intent %s", intentID)
	}
	if entry.Status != core.EscrowHeld {
		o.mu.Unlock()
		return nil, core.Errorf(core.KindState, "escrow for %s already %s", intentID, entry.Status)
	}
	if req.Amount <= 0 || req.Amount > entry.MaxBudget {
		o.mu.Unlock()
		return nil, core.Errorf(core.KindBudget, "settlement amount %s outside escrowed budget %s",
			req.Amount, entry.MaxBudget)
	}
	if s, ok := o.settlements[intentID]; ok && s.Success {
		o.mu.Unlock()
		return nil, core.Errorf(core.KindState, "intent %s already settled", intentID)
	}
	if o.inFlight[intentID] {
		o.mu.Unlock()
		return nil, core.Errorf(core.KindState, "settlement for %s in progress", intentID)
	}
	o.inFlight[intentID] = true
	payload := entry.PaymentPayload
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inFlight, intentID)
		o.mu.Unlock()
	}()

	fee, net := money.SplitFee(req.Amount, o.feeMicros)

	sctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	result, err := o.facilitator.Settle(sctx, payload, o.requirements(req.Amount, o.callTimeout))

	settlement := &core.PaymentSettlement{
		IntentID:        intentID,
		Amount:          req.Amount,
		PlatformFee:     fee,
		NetAmount:       net,
		ProviderAddress: req.ProviderAddress,
		SettledAt:       o.clock.Now(),
	}

	switch {
	case err != nil:
		settlement.Error = err.Error()
	case !result.Success:
		settlement.Error = result.Error
	default:
		settlement.Success = true
		settlement.TxReference = result.TxReference
	}

	o.mu.Lock()
	// The escrow must still be HELD: a refund or expiry that slipped in
	// while the facilitator call was in flight wins, and the settlement
	// is recorded as conflicted rather than flipping a terminal status.
	var conflict core.EscrowStatus
	if settlement.Success && entry.Status != core.EscrowHeld {
		conflict = entry.Status
		settlement.Success = false
		settlement.Error = "escrow no longer held: " + string(conflict)
	}
	o.settlements[intentID] = settlement
	if settlement.Success {
		entry.Status = core.EscrowReleased
	}
	o.mu.Unlock()

	if o.archive != nil {
		o.archive.Record(ctx, settlement)
	}

	if settlement.Success {
		settlementsTotal.WithLabelValues("success").Inc()
		feesCollected.Add(fee.Float())
		o.logger.Printf("Settled %s to %s for intent %s (fee=%s, tx=%s)",
			net, req.ProviderAddress, intentID, fee, settlement.TxReference)
		out := *settlement
		return &out, nil
	}

	settlementsTotal.WithLabelValues("failure").Inc()
	o.logger.Printf("Settlement FAILED for intent %s: %s", intentID, settlement.Error)
	out := *settlement
	if conflict != "" {
		return &out, core.Errorf(core.KindState, "escrow for %s already %s", intentID, conflict)
	}
	if err != nil {
		// Transport-level failure: the caller may retry; the escrow is
		// still HELD and the latch has been released.
		return &out, core.WrapError(core.KindInfra, err, "facilitator unreachable")
	}
	return &out, core.Errorf(core.KindSettlement, "facilitator settle failed: %s", settlement.Error)
}

// RefundEscrow returns held funds on timeout or cancel. No on-chain
// transfer happened before release in the pre-authorized model, so refund
// is a status-only mutation.
func (o *Orchestrator) RefundEscrow(intentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.escrows[intentID]
	if !ok {
		return core.Errorf(core.KindValidation, "no escrow for intent %s", intentID)
	}
	if entry.Status != core.EscrowHeld {
		return core.Errorf(core.KindState, "escrow for %s already %s", intentID, entry.Status)
	}
	if o.inFlight[intentID] {
		return core.Errorf(core.KindState, "settlement for %s in progress", intentID)
	}

	entry.Status = core.EscrowRefunded
	refundsTotal.Inc()
	o.logger.Printf("Refunded %s to %s for intent %s", entry.MaxBudget, entry.ClientAddress, intentID)
	return nil
}

// GetEscrow returns a copy of the escrow for an intent.
func (o *Orchestrator) GetEscrow(intentID string) (*core.EscrowEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.escrows[intentID]
	if !ok {
		return nil, false
	}
	out := *entry
	return &out, true
}

// Escrows returns copies of every escrow entry, for state snapshots.
func (o *Orchestrator) Escrows() []*core.EscrowEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*core.EscrowEntry, 0, len(o.escrows))
	for _, e := range o.escrows {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// GetSettlement returns the latest settlement attempt for an intent.
func (o *Orchestrator) GetSettlement(intentID string) (*core.PaymentSettlement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.settlements[intentID]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// Stats summarizes the ledger.
type Stats struct {
	Held          int          `json:"held"`
	Released      int          `json:"released"`
	Refunded      int          `json:"refunded"`
	Expired       int          `json:"expired"`
	TotalHeld     money.Amount `json:"total_held"`
	FeesCollected money.Amount `json:"fees_collected"`
}

// GetStats returns ledger-wide counters.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	for _, e := range o.escrows {
		switch e.Status {
		case core.EscrowHeld:
			s.Held++
			s.TotalHeld += e.MaxBudget
		case core.EscrowReleased:
			s.Released++
		case core.EscrowRefunded:
			s.Refunded++
		case core.EscrowExpired:
			s.Expired++
		}
	}
	for _, st := range o.settlements {
		if st.Success {
			s.FeesCollected += st.PlatformFee
		}
	}
	return s
}

// ExpireStale sweeps HELD escrows past their TTL to EXPIRED. Returns the
// number transitioned. Intended to run on a background ticker.
func (o *Orchestrator) ExpireStale() int {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	expired := 0
	for _, e := range o.escrows {
		if o.inFlight[e.IntentID] {
			continue
		}
		if e.Status == core.EscrowHeld && e.ExpiresAt.Before(now) {
			e.Status = core.EscrowExpired
			expired++
			o.logger.Printf("Escrow for intent %s expired (held since %s)",
				e.IntentID, e.CreatedAt.Format(time.RFC3339))
		}
	}
	return expired
}

// StartSweep runs ExpireStale on a ticker until stop is closed.
func (o *Orchestrator) StartSweep(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.ExpireStale()
			case <-stop:
				return
			}
		}
	}()
}

func (o *Orchestrator) requirements(amount money.Amount, validity time.Duration) PaymentRequirements {
	return PaymentRequirements{
		Amount:     amount,
		PayTo:      o.payTo,
		ValidUntil: o.clock.Now().Add(validity),
	}
}
