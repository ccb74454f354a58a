// Package engine runs the intent lifecycle: open auctions, sealed-bid
// scoring, winner selection, failover, and settlement hand-off. State is
// serialized per intent; distinct intents progress in parallel.
package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/events"
	"github.com/kaustubh76/synapse/internal/money"
	"github.com/kaustubh76/synapse/internal/payment"
	"github.com/kaustubh76/synapse/internal/registry"
	"github.com/kaustubh76/synapse/internal/scoring"
)

// Options tune auction timing and settlement retry behavior.
type Options struct {
	DefaultBiddingDuration time.Duration // default 30s
	ExecutionGrace         time.Duration // default 30s past bidding close
	FailoverDepth          int           // default 3
	EscrowTTL              time.Duration // passed through to the orchestrator
	Retention              time.Duration // terminal intents kept this long, default 1h

	// Settlement retry/backoff against transient facilitator failures.
	RetryInitial  time.Duration // default 200ms
	RetryCap      time.Duration // default 5s
	RetryAttempts int           // default 3

	Clock core.Clock
}

// CreateIntentRequest describes a new auction.
type CreateIntentRequest struct {
	Type            string
	Category        core.Category
	ClientAddress   string
	Params          map[string]interface{}
	MaxBudget       money.Amount
	MinReputation   float64
	BiddingDuration time.Duration // 0 uses the engine default
	PaymentPayload  string
}

// SubmitBidRequest is a provider's offer against an open intent.
type SubmitBidRequest struct {
	IntentID        string
	Provider        string // provider id or address
	BidAmount       money.Amount
	EstimatedTimeMs int64
	Confidence      float64 // 0-100
	Quality         float64 // 0-100, weighed for llm/tool categories
}

// Engine owns all intent state.
type Engine struct {
	mu      sync.RWMutex
	intents map[string]*intentEntry

	registry     *registry.Registry
	orchestrator *payment.Orchestrator
	scorer       *scoring.Scorer
	bus          *events.Bus
	clock        core.Clock
	logger       *log.Logger

	opts Options

	stopGC chan struct{}
	gcOnce sync.Once
}

// intentEntry serializes one intent. Every mutation runs under mu; timers
// fire into the same critical section so stale fires observe the current
// status and bail.
type intentEntry struct {
	mu         sync.Mutex
	intent     core.Intent
	bids       []*core.Bid
	byProvider map[string]*core.Bid // provider address -> bid

	biddingTimer *time.Timer
	execTimer    *time.Timer
	terminalAt   time.Time
}

// New wires the engine to its collaborators.
func New(reg *registry.Registry, orch *payment.Orchestrator, scorer *scoring.Scorer, bus *events.Bus, opts Options) *Engine {
	if opts.DefaultBiddingDuration <= 0 {
		opts.DefaultBiddingDuration = 30 * time.Second
	}
	if opts.ExecutionGrace <= 0 {
		opts.ExecutionGrace = 30 * time.Second
	}
	if opts.FailoverDepth <= 0 {
		opts.FailoverDepth = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Engine{
		intents:      make(map[string]*intentEntry),
		registry:     reg,
		orchestrator: orch,
		scorer:       scorer,
		bus:          bus,
		clock:        opts.Clock,
		logger:       log.New(log.Writer(), "[Engine] ", log.LstdFlags),
		opts:         opts,
		stopGC:       make(chan struct{}),
	}
}

// CreateIntent validates and opens a new auction. The bidding-close timer
// is armed before the created event fires so no intent can stay OPEN
// forever.
func (e *Engine) CreateIntent(req CreateIntentRequest) (*core.Intent, error) {
	if req.ClientAddress == "" {
		return nil, core.Errorf(core.KindValidation, "client address is required")
	}
	if !validIntentType(req.Type) {
		return nil, core.Errorf(core.KindValidation, "intent type %q is not a recognized capability path", req.Type)
	}
	if req.MaxBudget <= 0 {
		return nil, core.Errorf(core.KindValidation, "max budget must be positive")
	}
	if req.BiddingDuration == 0 {
		req.BiddingDuration = e.opts.DefaultBiddingDuration
	}
	if req.BiddingDuration < time.Second {
		return nil, core.Errorf(core.KindValidation, "bidding duration must be at least 1s")
	}
	category := req.Category
	if category == "" {
		category = core.CategoryData
	}
	if !validCategory(category) {
		return nil, core.Errorf(core.KindValidation, "unknown category %q", category)
	}

	now := e.clock.Now()
	intent := core.Intent{
		ID:                uuid.NewString(),
		Type:              req.Type,
		Category:          category,
		ClientAddress:     req.ClientAddress,
		Params:            req.Params,
		MaxBudget:         req.MaxBudget,
		MinReputation:     req.MinReputation,
		CreatedAt:         now,
		BiddingDeadline:   now.Add(req.BiddingDuration),
		ExecutionDeadline: now.Add(req.BiddingDuration + e.opts.ExecutionGrace),
		Status:            core.IntentOpen,
		PaymentPayload:    req.PaymentPayload,
	}

	entry := &intentEntry{
		intent:     intent,
		byProvider: make(map[string]*core.Bid),
	}
	entry.biddingTimer = time.AfterFunc(req.BiddingDuration, func() {
		e.onBiddingDeadline(intent.ID)
	})

	e.mu.Lock()
	e.intents[intent.ID] = entry
	e.mu.Unlock()

	intentsCreated.Inc()
	e.logger.Printf("Intent %s created: type=%s budget=%s bidding=%s",
		intent.ID, intent.Type, intent.MaxBudget, req.BiddingDuration)

	cp := intent
	e.publish(events.Event{Kind: events.IntentCreated, Intent: &cp})
	out := intent
	return &out, nil
}

// SubmitBid inserts a provider's offer, maintaining rank order. The bid
// snapshot freezes reputation, TEE attestation, and capabilities at
// submission time so later registry mutations cannot reorder a closed
// auction.
func (e *Engine) SubmitBid(req SubmitBidRequest) (*core.Bid, error) {
	provider, ok := e.resolveProvider(req.Provider)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "provider %s not found", req.Provider)
	}

	entry, ok := e.entry(req.IntentID)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "intent %s not found", req.IntentID)
	}

	entry.mu.Lock()
	intent := &entry.intent

	if intent.Status != core.IntentOpen {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "intent %s is %s, bidding closed", intent.ID, intent.Status)
	}
	now := e.clock.Now()
	if now.After(intent.BiddingDeadline) {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "bidding deadline for intent %s has passed", intent.ID)
	}
	if req.BidAmount <= 0 {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindValidation, "bid amount must be positive")
	}
	if req.BidAmount > intent.MaxBudget {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindBudget, "bid %s exceeds budget %s", req.BidAmount, intent.MaxBudget)
	}
	if provider.Status != core.ProviderOnline {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "provider %s is %s", provider.Address, provider.Status)
	}
	if !core.AnyCapabilityCovers(provider.Capabilities, intent.Type) {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindValidation, "provider %s does not serve %s", provider.Address, intent.Type)
	}
	if intent.MinReputation > 0 && provider.ReputationScore < intent.MinReputation {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindValidation, "provider reputation %.2f below required %.2f",
			provider.ReputationScore, intent.MinReputation)
	}
	if _, dup := entry.byProvider[provider.Address]; dup {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "provider %s already bid on intent %s", provider.Address, intent.ID)
	}

	bid := &core.Bid{
		ID:              uuid.NewString(),
		IntentID:        intent.ID,
		ProviderID:      provider.ID,
		ProviderAddress: provider.Address,
		BidAmount:       req.BidAmount,
		EstimatedTimeMs: req.EstimatedTimeMs,
		Confidence:      req.Confidence,
		Quality:         req.Quality,
		ReputationScore: provider.ReputationScore,
		TEEAttested:     provider.TEEAttested,
		Capabilities:    append([]string(nil), provider.Capabilities...),
		SubmittedAt:     now,
		ExpiresAt:       intent.ExecutionDeadline,
		Status:          core.BidPending,
	}
	bid.CalculatedScore, _ = e.scorer.Score(bid, intent)

	entry.bids = append(entry.bids, bid)
	entry.byProvider[provider.Address] = bid
	scoring.Rank(entry.bids)

	leader := *entry.bids[0]
	bidCopy := *bid
	intentCopy := e.copyIntentLocked(entry)
	total := len(entry.bids)
	entry.mu.Unlock()

	bidsReceived.Inc()
	e.publish(events.Event{
		Kind:      events.BidReceived,
		Bid:       &bidCopy,
		Intent:    &intentCopy,
		TotalBids: total,
		Leader:    &leader,
	})
	out := bidCopy
	return &out, nil
}

// ForceCloseBidding closes an auction before its deadline.
func (e *Engine) ForceCloseBidding(ctx context.Context, intentID string) error {
	entry, ok := e.entry(intentID)
	if !ok {
		return core.Errorf(core.KindValidation, "intent %s not found", intentID)
	}
	return e.closeBidding(ctx, entry, true)
}

// onBiddingDeadline is the timer path. Firing after a transition is a
// no-op.
func (e *Engine) onBiddingDeadline(intentID string) {
	entry, ok := e.entry(intentID)
	if !ok {
		return
	}
	_ = e.closeBidding(context.Background(), entry, false)
}

// closeBidding selects the winner, builds the failover queue, and opens
// escrow. No eligible bids fails the intent with NO_BIDS.
func (e *Engine) closeBidding(ctx context.Context, entry *intentEntry, forced bool) error {
	entry.mu.Lock()
	intent := &entry.intent

	if intent.Status != core.IntentOpen {
		entry.mu.Unlock()
		if forced {
			return core.Errorf(core.KindState, "intent %s is %s, cannot close bidding", intent.ID, intent.Status)
		}
		return nil
	}
	intent.Status = core.IntentBiddingClosed

	if len(entry.bids) == 0 {
		e.failLocked(entry, core.ReasonNoBids)
		evs := e.failedEventLocked(entry, core.ReasonNoBids)
		entry.mu.Unlock()
		e.publish(evs)
		return nil
	}

	winner := entry.bids[0]
	winner.Status = core.BidAccepted

	depth := e.opts.FailoverDepth
	queue := make([]string, 0, depth)
	for _, b := range entry.bids[1:] {
		if len(queue) < depth {
			queue = append(queue, b.ProviderAddress)
		} else {
			b.Status = core.BidRejected
		}
	}

	intent.AssignedProvider = winner.ProviderAddress
	intent.FailoverQueue = queue
	intent.Status = core.IntentAssigned

	winnerCopy := *winner
	intentCopy := e.copyIntentLocked(entry)
	bidsCopy := e.copyBidsLocked(entry)
	payload := intent.PaymentPayload
	budget := intent.MaxBudget
	client := intent.ClientAddress
	entry.mu.Unlock()

	// Escrow opens outside the intent lock: the facilitator verify call
	// must not stall bid reads for other intents sharing the adapter path.
	err := e.withRetry(ctx, func() error {
		_, err := e.orchestrator.CreateEscrow(ctx, payment.CreateEscrowRequest{
			IntentID:       intentCopy.ID,
			ClientAddress:  client,
			MaxBudget:      budget,
			PaymentPayload: payload,
			TTL:            e.opts.EscrowTTL,
		})
		return err
	})
	if err != nil && core.KindOf(err) != core.KindState {
		e.logger.Printf("Escrow for intent %s failed: %v", intentCopy.ID, err)
		entry.mu.Lock()
		e.failLocked(entry, core.ReasonEscrowFailed)
		evs := e.failedEventLocked(entry, core.ReasonEscrowFailed)
		entry.mu.Unlock()
		e.publish(evs)
		return core.WrapError(core.KindSettlement, err, "escrow could not be opened")
	}

	entry.mu.Lock()
	e.armExecutionTimerLocked(entry)
	entry.mu.Unlock()

	e.logger.Printf("Intent %s assigned to %s (score=%d, failover=%v)",
		intentCopy.ID, winnerCopy.ProviderAddress, winnerCopy.CalculatedScore, intentCopy.FailoverQueue)
	e.publish(events.Event{
		Kind:          events.WinnerSelected,
		Winner:        &winnerCopy,
		Intent:        &intentCopy,
		Bids:          bidsCopy,
		FailoverQueue: append([]string(nil), intentCopy.FailoverQueue...),
	})
	return nil
}

// AcknowledgeAssignment moves ASSIGNED to EXECUTING once the winner
// confirms it is working.
func (e *Engine) AcknowledgeAssignment(intentID, provider string) error {
	entry, ok := e.entry(intentID)
	if !ok {
		return core.Errorf(core.KindValidation, "intent %s not found", intentID)
	}

	entry.mu.Lock()
	intent := &entry.intent
	if intent.Status != core.IntentAssigned {
		entry.mu.Unlock()
		return core.Errorf(core.KindState, "intent %s is %s, nothing to acknowledge", intent.ID, intent.Status)
	}
	if !e.isAssignee(intent, provider) {
		entry.mu.Unlock()
		return core.Errorf(core.KindState, "provider %s is not assigned to intent %s", provider, intent.ID)
	}
	intent.Status = core.IntentExecuting
	intentCopy := e.copyIntentLocked(entry)
	entry.mu.Unlock()

	e.publish(events.Event{Kind: events.IntentUpdated, Intent: &intentCopy})
	return nil
}

// ReportResult settles and completes an intent. Settlement failures after
// retries trigger failover rather than surfacing to the reporting
// provider, who has already done the work.
func (e *Engine) ReportResult(ctx context.Context, intentID, provider string, data map[string]interface{}, executionTimeMs int64) (*core.Intent, error) {
	entry, ok := e.entry(intentID)
	if !ok {
		return nil, core.Errorf(core.KindValidation, "intent %s not found", intentID)
	}

	entry.mu.Lock()
	intent := &entry.intent
	if intent.Status != core.IntentExecuting {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "intent %s is %s, no result expected", intent.ID, intent.Status)
	}
	if !e.isAssignee(intent, provider) {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "provider %s is not assigned to intent %s", provider, intent.ID)
	}
	assignee := intent.AssignedProvider
	amount := entry.byProvider[assignee].BidAmount
	entry.mu.Unlock()

	var settlement *core.PaymentSettlement
	err := e.withRetry(ctx, func() error {
		s, err := e.orchestrator.ReleaseEscrow(ctx, intentID, payment.ReleaseRequest{
			ProviderAddress: assignee,
			Amount:          amount,
		})
		settlement = s
		return err
	})
	if err != nil {
		switch core.KindOf(err) {
		case core.KindSettlement, core.KindInfra, core.KindTimeout:
			e.logger.Printf("Settlement for intent %s failed, triggering failover: %v", intentID, err)
			e.failover(entry, assignee, false)
			return nil, core.WrapError(core.KindSettlement, err, "settlement failed, failover triggered")
		default:
			return nil, err
		}
	}

	entry.mu.Lock()
	// Re-check: a timeout firing during settlement may have moved the
	// intent on. The settlement latch in the orchestrator guarantees no
	// double pay either way.
	if entry.intent.Status != core.IntentExecuting || entry.intent.AssignedProvider != assignee {
		entry.mu.Unlock()
		return nil, core.Errorf(core.KindState, "intent %s transitioned during settlement", intentID)
	}
	entry.intent.Status = core.IntentCompleted
	entry.intent.Result = &core.IntentResult{
		Data:            data,
		ExecutionTimeMs: executionTimeMs,
		TxReference:     settlement.TxReference,
		SettledAmount:   settlement.NetAmount,
		CompletedAt:     e.clock.Now(),
	}
	e.cancelTimersLocked(entry)
	entry.terminalAt = e.clock.Now()
	intentCopy := e.copyIntentLocked(entry)
	bidsCopy := e.copyBidsLocked(entry)
	entry.mu.Unlock()

	if rerr := e.registry.RecordJobSuccess(assignee, executionTimeMs, settlement.NetAmount); rerr != nil {
		e.logger.Printf("Job success for %s not recorded: %v", assignee, rerr)
	}

	intentsCompleted.Inc()
	e.logger.Printf("Intent %s COMPLETED by %s (net=%s, tx=%s)",
		intentID, assignee, settlement.NetAmount, settlement.TxReference)

	settlementCopy := *settlement
	e.publish(events.Event{Kind: events.IntentCompleted, Intent: &intentCopy, Bids: bidsCopy})
	e.publish(events.Event{Kind: events.PaymentSettled, Intent: &intentCopy, Settlement: &settlementCopy})
	out := intentCopy
	return &out, nil
}

// ReportFailure is the assigned provider conceding. The provider takes a
// reputation penalty and the next failover candidate is promoted.
func (e *Engine) ReportFailure(intentID, provider, reason string) error {
	entry, ok := e.entry(intentID)
	if !ok {
		return core.Errorf(core.KindValidation, "intent %s not found", intentID)
	}

	entry.mu.Lock()
	intent := &entry.intent
	if intent.Status != core.IntentAssigned && intent.Status != core.IntentExecuting {
		entry.mu.Unlock()
		return core.Errorf(core.KindState, "intent %s is %s, no failure expected", intent.ID, intent.Status)
	}
	if !e.isAssignee(intent, provider) {
		entry.mu.Unlock()
		return core.Errorf(core.KindState, "provider %s is not assigned to intent %s", provider, intent.ID)
	}
	assignee := intent.AssignedProvider
	entry.mu.Unlock()

	e.logger.Printf("Intent %s failed by %s: %s", intentID, assignee, reason)
	e.failover(entry, assignee, true)
	return nil
}

// onExecutionDeadline is the execution timer path: the assigned provider
// went silent. Stale fires against a moved-on intent are no-ops.
func (e *Engine) onExecutionDeadline(intentID string) {
	entry, ok := e.entry(intentID)
	if !ok {
		return
	}

	entry.mu.Lock()
	status := entry.intent.Status
	assignee := entry.intent.AssignedProvider
	entry.mu.Unlock()

	if status != core.IntentAssigned && status != core.IntentExecuting {
		return
	}
	e.logger.Printf("Intent %s execution deadline reached, provider %s unresponsive", intentID, assignee)
	e.failover(entry, assignee, true)
}

// failover penalizes (optionally) the failed provider and promotes the
// next candidate, or fails the intent when the queue is exhausted. A
// promoted candidate gets a fresh execution window.
func (e *Engine) failover(entry *intentEntry, failedProvider string, penalize bool) {
	entry.mu.Lock()
	intent := &entry.intent

	// Re-checked under the lock: a stale fire against an intent that
	// completed, or that an earlier failover already reassigned, is a
	// no-op and must not penalize anyone.
	if intent.Status != core.IntentAssigned && intent.Status != core.IntentExecuting {
		entry.mu.Unlock()
		return
	}
	if intent.AssignedProvider != failedProvider {
		entry.mu.Unlock()
		return
	}
	intent.Status = core.IntentFailover

	if prev, ok := entry.byProvider[failedProvider]; ok {
		prev.Status = core.BidRejected
	}

	if len(intent.FailoverQueue) == 0 {
		id := intent.ID
		e.failLocked(entry, core.ReasonAllProvidersFailed)
		evs := e.failedEventLocked(entry, core.ReasonAllProvidersFailed)
		entry.mu.Unlock()
		e.penalizeIf(penalize, failedProvider)
		if err := e.orchestrator.RefundEscrow(id); err != nil && core.KindOf(err) != core.KindValidation {
			e.logger.Printf("Refund for intent %s failed: %v", id, err)
		}
		e.publish(evs)
		return
	}

	next := intent.FailoverQueue[0]
	intent.FailoverQueue = intent.FailoverQueue[1:]
	intent.AssignedProvider = next
	intent.Status = core.IntentAssigned
	if b, ok := entry.byProvider[next]; ok {
		b.Status = core.BidAccepted
	}
	e.armExecutionTimerLocked(entry)

	remaining := len(intent.FailoverQueue)
	intentCopy := e.copyIntentLocked(entry)
	bidsCopy := e.copyBidsLocked(entry)
	entry.mu.Unlock()

	e.penalizeIf(penalize, failedProvider)
	failoversTriggered.Inc()
	e.logger.Printf("Intent %s failover: %s -> %s (%d candidates left)",
		intentCopy.ID, failedProvider, next, remaining)
	e.publish(events.Event{
		Kind:               events.FailoverTrigger,
		Intent:             &intentCopy,
		Bids:               bidsCopy,
		FailedProvider:     failedProvider,
		NewProvider:        next,
		RemainingFailovers: remaining,
	})
}

func (e *Engine) penalizeIf(penalize bool, provider string) {
	if !penalize {
		return
	}
	if err := e.registry.RecordJobFailure(provider); err != nil {
		e.logger.Printf("Job failure for %s not recorded: %v", provider, err)
	}
}

// GetIntent returns a copy of an intent.
func (e *Engine) GetIntent(intentID string) (*core.Intent, bool) {
	entry, ok := e.entry(intentID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cp := e.copyIntentLocked(entry)
	return &cp, true
}

// BidsForIntent returns a stable rank-ordered snapshot of an intent's bids.
func (e *Engine) BidsForIntent(intentID string) ([]*core.Bid, bool) {
	entry, ok := e.entry(intentID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.copyBidsLocked(entry), true
}

// OpenIntents returns copies of every intent still accepting bids.
func (e *Engine) OpenIntents() []*core.Intent {
	e.mu.RLock()
	entries := make([]*intentEntry, 0, len(e.intents))
	for _, entry := range e.intents {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	var out []*core.Intent
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.intent.Status == core.IntentOpen {
			cp := e.copyIntentLocked(entry)
			out = append(out, &cp)
		}
		entry.mu.Unlock()
	}
	return out
}

// Snapshot returns the payload sent to subscribers joining an intent room.
func (e *Engine) Snapshot(intentID string) (interface{}, bool) {
	entry, ok := e.entry(intentID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	intent := e.copyIntentLocked(entry)
	return map[string]interface{}{
		"intent": intent,
		"bids":   e.copyBidsLocked(entry),
	}, true
}

// CollectExpired drops terminal intents past the retention window.
// Returns how many were removed.
func (e *Engine) CollectExpired() int {
	cutoff := e.clock.Now().Add(-e.opts.Retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, entry := range e.intents {
		entry.mu.Lock()
		expire := entry.intent.Status.Terminal() && entry.terminalAt.Before(cutoff)
		entry.mu.Unlock()
		if expire {
			delete(e.intents, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Printf("Retention sweep removed %d terminal intents", removed)
	}
	return removed
}

// StartGC runs the retention sweep on a ticker until Close.
func (e *Engine) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.CollectExpired()
			case <-e.stopGC:
				return
			}
		}
	}()
}

// Close stops background work and cancels all live timers.
func (e *Engine) Close() {
	e.gcOnce.Do(func() { close(e.stopGC) })

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.intents {
		entry.mu.Lock()
		e.cancelTimersLocked(entry)
		entry.mu.Unlock()
	}
}

// withRetry runs op, retrying transient infra failures with exponential
// backoff. Non-infra errors surface immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	backoff := e.opts.RetryInitial
	var err error
	for attempt := 1; attempt <= e.opts.RetryAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		kind := core.KindOf(err)
		if kind != core.KindInfra && kind != core.KindTimeout {
			return err
		}
		if attempt == e.opts.RetryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return core.WrapError(core.KindTimeout, ctx.Err(), "retry cancelled")
		}
		backoff *= 2
		if backoff > e.opts.RetryCap {
			backoff = e.opts.RetryCap
		}
	}
	return core.WrapError(core.KindSettlement, err, "retries exhausted")
}

// failLocked transitions to FAILED and stops timers. Caller holds the
// entry lock and publishes the failed event after unlocking.
func (e *Engine) failLocked(entry *intentEntry, reason string) {
	entry.intent.Status = core.IntentFailed
	entry.terminalAt = e.clock.Now()
	e.cancelTimersLocked(entry)
	intentsFailed.WithLabelValues(reason).Inc()
	e.logger.Printf("Intent %s FAILED: %s", entry.intent.ID, reason)
}

func (e *Engine) failedEventLocked(entry *intentEntry, reason string) events.Event {
	cp := e.copyIntentLocked(entry)
	return events.Event{
		Kind:   events.IntentFailed,
		Intent: &cp,
		Bids:   e.copyBidsLocked(entry),
		Reason: reason,
	}
}

// armExecutionTimerLocked (re)starts the execution window for the current
// assignee. Caller holds the entry lock.
func (e *Engine) armExecutionTimerLocked(entry *intentEntry) {
	if entry.execTimer != nil {
		entry.execTimer.Stop()
	}
	entry.intent.ExecutionDeadline = e.clock.Now().Add(e.opts.ExecutionGrace)
	id := entry.intent.ID
	entry.execTimer = time.AfterFunc(e.opts.ExecutionGrace, func() {
		e.onExecutionDeadline(id)
	})
}

func (e *Engine) cancelTimersLocked(entry *intentEntry) {
	if entry.biddingTimer != nil {
		entry.biddingTimer.Stop()
	}
	if entry.execTimer != nil {
		entry.execTimer.Stop()
	}
}

func (e *Engine) entry(intentID string) (*intentEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.intents[intentID]
	return entry, ok
}

// isAssignee accepts the assigned provider's address or id.
func (e *Engine) isAssignee(intent *core.Intent, provider string) bool {
	if provider == intent.AssignedProvider {
		return true
	}
	if p, ok := e.registry.Get(provider); ok {
		return p.Address == intent.AssignedProvider
	}
	return false
}

func (e *Engine) resolveProvider(idOrAddress string) (*core.Provider, bool) {
	if p, ok := e.registry.Get(idOrAddress); ok {
		return p, true
	}
	return e.registry.GetByAddress(idOrAddress)
}

func (e *Engine) copyIntentLocked(entry *intentEntry) core.Intent {
	cp := entry.intent
	cp.FailoverQueue = append([]string(nil), entry.intent.FailoverQueue...)
	if entry.intent.Result != nil {
		r := *entry.intent.Result
		cp.Result = &r
	}
	return cp
}

func (e *Engine) copyBidsLocked(entry *intentEntry) []*core.Bid {
	out := make([]*core.Bid, len(entry.bids))
	for i, b := range entry.bids {
		cp := *b
		out[i] = &cp
	}
	return out
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// validIntentType accepts dotted lowercase paths like "weather.current".
func validIntentType(t string) bool {
	if t == "" {
		return false
	}
	for _, seg := range strings.Split(t, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return false
			}
		}
	}
	return true
}

func validCategory(c core.Category) bool {
	switch c {
	case core.CategoryData, core.CategoryCompute, core.CategoryLLM,
		core.CategoryTool, core.CategoryFinance, core.CategoryTransport:
		return true
	}
	return false
}
