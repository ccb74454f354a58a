// Package registry is the capability-indexed provider directory with
// liveness tracking and reputation accounting.
package registry

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/events"
	"github.com/kaustubh76/synapse/internal/money"
)

const (
	// Reputation deltas per job outcome.
	deltaSuccess = 0.05
	deltaFailure = 0.10

	// EMA smoothing for average response time.
	responseAlpha = 0.1

	// Positive reputation gain is capped per rolling window so a burst of
	// cheap successes cannot pump a score.
	repGainWindow = time.Hour
	repGainCap    = 0.5
)

// Spec describes a provider registration request.
type Spec struct {
	Address      string
	Name         string
	Capabilities []string
	TEEAttested  bool
}

// Registry owns all provider state. Mutations go through the registry;
// readers get copies.
type Registry struct {
	mu sync.RWMutex

	providers map[string]*entry   // provider id -> entry
	byAddress map[string]string   // address -> provider id
	capIndex  map[string][]string // capability -> provider ids

	clock  core.Clock
	bus    *events.Bus
	logger *log.Logger

	sweepInterval time.Duration
	offlineAfter  time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

type entry struct {
	provider core.Provider

	// Reputation gain window accounting.
	gainWindowStart time.Time
	gainInWindow    float64
}

// Options tune liveness behavior.
type Options struct {
	SweepInterval time.Duration // default 15s
	OfflineAfter  time.Duration // default 60s
	Clock         core.Clock
}

// New creates a registry publishing provider events on bus.
func New(bus *events.Bus, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &Registry{
		providers:     make(map[string]*entry),
		byAddress:     make(map[string]string),
		capIndex:      make(map[string][]string),
		clock:         opts.Clock,
		bus:           bus,
		logger:        log.New(log.Writer(), "[Registry] ", log.LstdFlags),
		sweepInterval: opts.SweepInterval,
		offlineAfter:  opts.OfflineAfter,
		stopSweep:     make(chan struct{}),
	}
}

// Register adds a provider, or returns the existing one unchanged when the
// address is already known.
func (r *Registry) Register(spec Spec) (*core.Provider, error) {
	if spec.Address == "" {
		return nil, core.Errorf(core.KindValidation, "provider address is required")
	}
	if len(spec.Capabilities) == 0 {
		return nil, core.Errorf(core.KindValidation, "provider must declare at least one capability")
	}
	for _, c := range spec.Capabilities {
		if strings.TrimSpace(c) == "" {
			return nil, core.Errorf(core.KindValidation, "empty capability")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAddress[spec.Address]; ok {
		p := r.providers[id].provider
		return &p, nil
	}

	now := r.clock.Now()
	p := core.Provider{
		ID:              uuid.NewString(),
		Address:         spec.Address,
		Name:            spec.Name,
		Capabilities:    append([]string(nil), spec.Capabilities...),
		ReputationScore: 2.5, // neutral starting point on the 0-5 scale
		TEEAttested:     spec.TEEAttested,
		Status:          core.ProviderOnline,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	r.providers[p.ID] = &entry{provider: p, gainWindowStart: now}
	r.byAddress[p.Address] = p.ID
	r.indexCapabilities(p.ID, p.Capabilities)

	providersOnline.Inc()
	providersRegistered.Inc()
	r.logger.Printf("Registered provider %s (%s) caps=%v", p.Name, p.Address, p.Capabilities)

	r.publish(events.ProviderOnline, p)
	out := p
	return &out, nil
}

// Heartbeat refreshes liveness for a provider by id or address. A provider
// that was OFFLINE transitions back to ONLINE and an online event fires;
// repeated heartbeats are last-writer-wins on the timestamp only.
func (r *Registry) Heartbeat(idOrAddress string) error {
	r.mu.Lock()
	e, ok := r.lookup(idOrAddress)
	if !ok {
		r.mu.Unlock()
		return core.Errorf(core.KindValidation, "provider %s not found", idOrAddress)
	}

	e.provider.LastHeartbeatAt = r.clock.Now()
	cameOnline := e.provider.Status == core.ProviderOffline
	if cameOnline {
		e.provider.Status = core.ProviderOnline
		providersOnline.Inc()
	}
	p := e.provider
	r.mu.Unlock()

	if cameOnline {
		r.publish(events.ProviderOnline, p)
	}
	return nil
}

// Get returns a copy of a provider by id.
func (r *Registry) Get(id string) (*core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	p := e.provider
	return &p, true
}

// GetByAddress returns a copy of a provider by address.
func (r *Registry) GetByAddress(address string) (*core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddress[address]
	if !ok {
		return nil, false
	}
	p := r.providers[id].provider
	return &p, true
}

// All returns copies of every registered provider.
func (r *Registry) All() []*core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Provider, 0, len(r.providers))
	for _, e := range r.providers {
		p := e.provider
		out = append(out, &p)
	}
	return out
}

// FindByCapability returns providers whose capability set covers cap:
// exact match, or the set contains the prefix up to the first dot.
func (r *Registry) FindByCapability(cap string) []*core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*core.Provider

	collect := func(ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			p := r.providers[id].provider
			out = append(out, &p)
		}
	}

	collect(r.capIndex[cap])
	if i := strings.IndexByte(cap, '.'); i > 0 {
		collect(r.capIndex[cap[:i]])
	}
	return out
}

// UpdateCapabilities replaces a provider's capability set and rebuilds the
// index entries for it.
func (r *Registry) UpdateCapabilities(id string, capabilities []string) error {
	if len(capabilities) == 0 {
		return core.Errorf(core.KindValidation, "capability set must not be empty")
	}

	r.mu.Lock()
	e, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return core.Errorf(core.KindValidation, "provider %s not found", id)
	}

	r.unindexCapabilities(id, e.provider.Capabilities)
	e.provider.Capabilities = append([]string(nil), capabilities...)
	r.indexCapabilities(id, e.provider.Capabilities)
	p := e.provider
	r.mu.Unlock()

	r.publish(events.ProviderUpdated, p)
	return nil
}

// RecordJobSuccess applies a successful execution: job counters, response
// time EMA, earnings, and a capped reputation gain.
func (r *Registry) RecordJobSuccess(id string, executionTimeMs int64, earnings money.Amount) error {
	r.mu.Lock()
	e, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return core.Errorf(core.KindValidation, "provider %s not found", id)
	}

	p := &e.provider
	p.TotalJobs++
	p.SuccessfulJobs++
	p.TotalEarnings += earnings

	if p.AvgResponseMs == 0 {
		p.AvgResponseMs = float64(executionTimeMs)
	} else {
		p.AvgResponseMs = (1-responseAlpha)*p.AvgResponseMs + responseAlpha*float64(executionTimeMs)
	}

	now := r.clock.Now()
	if now.Sub(e.gainWindowStart) >= repGainWindow {
		e.gainWindowStart = now
		e.gainInWindow = 0
	}
	gain := deltaSuccess
	if remaining := repGainCap - e.gainInWindow; gain > remaining {
		gain = remaining
	}
	if gain > 0 {
		e.gainInWindow += gain
		p.ReputationScore += gain
		if p.ReputationScore > 5 {
			p.ReputationScore = 5
		}
	}

	snapshot := *p
	r.mu.Unlock()

	jobsRecorded.WithLabelValues("success").Inc()
	r.publish(events.ProviderUpdated, snapshot)
	return nil
}

// RecordJobFailure applies a failed execution: job counter and a fixed
// reputation penalty.
func (r *Registry) RecordJobFailure(id string) error {
	r.mu.Lock()
	e, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return core.Errorf(core.KindValidation, "provider %s not found", id)
	}

	p := &e.provider
	p.TotalJobs++
	p.ReputationScore -= deltaFailure
	if p.ReputationScore < 0 {
		p.ReputationScore = 0
	}
	snapshot := *p
	r.mu.Unlock()

	jobsRecorded.WithLabelValues("failure").Inc()
	r.publish(events.ProviderUpdated, snapshot)
	return nil
}

// Stats summarizes the directory.
type Stats struct {
	Total         int          `json:"total"`
	Online        int          `json:"online"`
	Offline       int          `json:"offline"`
	TotalJobs     int64        `json:"total_jobs"`
	TotalEarnings money.Amount `json:"total_earnings"`
}

// GetStats returns directory-wide counters.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, e := range r.providers {
		s.Total++
		if e.provider.Status == core.ProviderOnline {
			s.Online++
		} else {
			s.Offline++
		}
		s.TotalJobs += e.provider.TotalJobs
		s.TotalEarnings += e.provider.TotalEarnings
	}
	return s
}

// StartSweep launches the background liveness sweep. Providers silent for
// longer than the offline window flip to OFFLINE.
func (r *Registry) StartSweep() {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepOnce()
			case <-r.stopSweep:
				return
			}
		}
	}()
}

// StopSweep terminates the background sweep.
func (r *Registry) StopSweep() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

// SweepOnce marks stale providers offline. Exposed for deterministic tests.
func (r *Registry) SweepOnce() int {
	cutoff := r.clock.Now().Add(-r.offlineAfter)

	r.mu.Lock()
	var wentOffline []core.Provider
	for _, e := range r.providers {
		if e.provider.Status == core.ProviderOnline && e.provider.LastHeartbeatAt.Before(cutoff) {
			e.provider.Status = core.ProviderOffline
			wentOffline = append(wentOffline, e.provider)
		}
	}
	r.mu.Unlock()

	for _, p := range wentOffline {
		providersOnline.Dec()
		r.logger.Printf("Provider %s (%s) marked OFFLINE (no heartbeat since %s)",
			p.Name, p.Address, p.LastHeartbeatAt.Format(time.RFC3339))
		r.publish(events.ProviderOffline, p)
	}
	return len(wentOffline)
}

// lookup resolves id or address. Caller holds the lock.
func (r *Registry) lookup(idOrAddress string) (*entry, bool) {
	if e, ok := r.providers[idOrAddress]; ok {
		return e, true
	}
	if id, ok := r.byAddress[idOrAddress]; ok {
		return r.providers[id], true
	}
	return nil, false
}

func (r *Registry) indexCapabilities(id string, caps []string) {
	for _, c := range caps {
		r.capIndex[c] = append(r.capIndex[c], id)
	}
}

func (r *Registry) unindexCapabilities(id string, caps []string) {
	for _, c := range caps {
		ids := r.capIndex[c]
		for i, v := range ids {
			if v == id {
				r.capIndex[c] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.capIndex[c]) == 0 {
			delete(r.capIndex, c)
		}
	}
}

func (r *Registry) publish(kind events.Kind, p core.Provider) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Kind: kind, Provider: &p})
}
