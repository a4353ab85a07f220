// Package provider maintains backend health and selects a provider per
// request. Each provider carries a circuit breaker and a token-bucket
// rate budget; routing walks providers in priority order, skipping
// unhealthy or over-budget ones, and fails over on retryable errors up
// to a bounded attempt count.
package provider

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relayd/pkg/types"
)

// Spec configures one provider.
type Spec struct {
	ID            string
	Priority      int // lower is preferred
	Endpoint      Endpoint
	RatePerSecond float64
	RateBurst     int
}

// Provider is one backend plus its health machinery. Long-lived,
// owned by the Pool.
type Provider struct {
	id       string
	priority int
	endpoint Endpoint
	breaker  *breaker
	budget   *tokenBucket

	// outcome counters, atomic: many tasks report concurrently.
	requests       atomic.Uint64
	failures       atomic.Uint64
	latencyMSTotal atomic.Uint64
}

// ID returns the provider id.
func (p *Provider) ID() string { return p.id }

// Endpoint returns the provider's connection config.
func (p *Provider) Endpoint() Endpoint { return p.endpoint }

// State returns the provider's breaker state.
func (p *Provider) State() BreakerState { return p.breaker.State() }

// Handle is a routed selection: the provider a request should call.
type Handle struct {
	Provider *Provider
	start    time.Time
}

// Config tunes the pool.
type Config struct {
	FailureThreshold uint32
	Cooldown         time.Duration
	MaxRetries       int // failover attempts per request
}

// Pool routes requests across the configured providers. Process-wide:
// construct once at startup and share the handle.
type Pool struct {
	providers  []*Provider // sorted by priority
	byID       map[string]*Provider
	maxRetries int
	log        zerolog.Logger
}

// NewPool builds a pool from specs, ordered by priority.
func NewPool(specs []Spec, cfg Config, log zerolog.Logger) *Pool {
	plog := log.With().Str("component", "provider").Logger()
	providers := make([]*Provider, 0, len(specs))
	byID := make(map[string]*Provider, len(specs))
	for _, s := range specs {
		p := &Provider{
			id:       s.ID,
			priority: s.Priority,
			endpoint: s.Endpoint,
			breaker:  newBreaker(cfg.FailureThreshold, cfg.Cooldown),
			budget:   newTokenBucket(s.RatePerSecond, s.RateBurst),
		}
		id := s.ID
		p.breaker.onTransition = func(to BreakerState) {
			breakerTransitionsTotal.WithLabelValues(id, to.String()).Inc()
			plog.Info().Str("provider", id).Str("state", to.String()).Msg("breaker transition")
		}
		providers = append(providers, p)
		byID[s.ID] = p
	}
	sortByPriority(providers)
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = len(providers)
	}
	return &Pool{providers: providers, byID: byID, maxRetries: maxRetries, log: plog}
}

func sortByPriority(ps []*Provider) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].priority < ps[j-1].priority; j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// Route selects the highest-priority provider that is Closed or has a
// free half-open trial slot, and whose rate budget permits the call.
// The breaker is consulted first so a breaker-rejected provider does
// not burn a budget token. Providers in skip are excluded (already
// tried this request).
func (p *Pool) Route(skip map[string]bool) (*Handle, error) {
	for _, prov := range p.providers {
		if skip[prov.id] {
			continue
		}
		if !prov.breaker.Allow() {
			continue
		}
		if !prov.budget.Allow() {
			// Soft failure: deflect to the next provider, handing
			// back any half-open trial Allow just reserved.
			prov.breaker.ReleaseTrial()
			rateBudgetRejectsTotal.WithLabelValues(prov.id).Inc()
			continue
		}
		return &Handle{Provider: prov, start: time.Now()}, nil
	}
	return nil, noProviderAvailableError{attempts: len(skip)}
}

// ReportSuccess records a successful call on the routed provider.
func (p *Pool) ReportSuccess(h *Handle) {
	prov := h.Provider
	prov.requests.Add(1)
	prov.latencyMSTotal.Add(uint64(time.Since(h.start).Milliseconds()))
	prov.breaker.RecordSuccess()
	providerRequestsTotal.WithLabelValues(prov.id, "success").Inc()
}

// ReportFailure records a failed call and feeds the breaker.
func (p *Pool) ReportFailure(h *Handle, kind FailureKind) {
	prov := h.Provider
	prov.requests.Add(1)
	prov.failures.Add(1)
	prov.breaker.RecordFailure()
	providerRequestsTotal.WithLabelValues(prov.id, kind.String()).Inc()
}

// Do runs fn against providers with failover: a retryable failure
// reports to the breaker and moves to the next eligible provider, up to
// the bounded attempt count; a non-retryable failure surfaces at once.
func (p *Pool) Do(fn func(h *Handle) error) error {
	tried := make(map[string]bool)
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		h, err := p.Route(tried)
		if err != nil {
			return err
		}
		tried[h.Provider.id] = true

		err = fn(h)
		if err == nil {
			p.ReportSuccess(h)
			return nil
		}
		kind := FailureRetryable
		if ce, ok := err.(*CallError); ok {
			kind = ce.Kind
		}
		p.ReportFailure(h, kind)
		if !kind.Retryable() {
			return err
		}
		p.log.Warn().Str("provider", h.Provider.id).Err(err).Msg("provider call failed, failing over")
	}
	return noProviderAvailableError{attempts: p.maxRetries}
}

// Status snapshots every provider for the admin surface.
func (p *Pool) Status() []types.ProviderStatus {
	out := make([]types.ProviderStatus, 0, len(p.providers))
	for _, prov := range p.providers {
		out = append(out, types.ProviderStatus{
			ID:        prov.id,
			Priority:  prov.priority,
			State:     prov.breaker.State().String(),
			Failures:  prov.failures.Load(),
			Requests:  prov.requests.Load(),
			LatencyMS: prov.latencyMSTotal.Load(),
		})
	}
	return out
}

// Get looks up a provider by id, for tests and status handlers.
func (p *Pool) Get(id string) (*Provider, bool) {
	prov, ok := p.byID[id]
	return prov, ok
}
