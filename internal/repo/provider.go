// Package repo selects and memoizes the active schedule backend. The
// provider is an explicit object owned by the composition root rather than
// a package-level mutable, so tests get an injectable override handle.
package repo

import (
	"context"
	"sync"
	"time"

	"carecal/internal/calapi"
	"carecal/internal/config"
	"carecal/internal/liststore"
	appLog "carecal/internal/log"
	"carecal/internal/memory"
	"carecal/internal/schedule"
)

// Option customizes a single Repository call. Supplying any option bypasses
// the memoized default instance.
type Option func(*buildOpts)

type buildOpts struct {
	tokenProvider liststore.TokenProvider
	listName      string
	ownerUserID   string
	custom        bool
}

// WithTokenProvider substitutes the bearer-token source.
func WithTokenProvider(tp liststore.TokenProvider) Option {
	return func(o *buildOpts) {
		o.tokenProvider = tp
		o.custom = true
	}
}

// WithListName targets a different list than the configured one.
func WithListName(name string) Option {
	return func(o *buildOpts) {
		o.listName = name
		o.custom = true
	}
}

// WithOwner sets the requesting owner for visibility filtering.
func WithOwner(ownerUserID string) Option {
	return func(o *buildOpts) {
		o.ownerUserID = ownerUserID
		o.custom = true
	}
}

// Provider constructs and memoizes schedule repositories.
type Provider struct {
	cfg *config.Config

	mu       sync.Mutex
	cached   schedule.Repository
	override schedule.Repository
}

// NewProvider creates a provider bound to the given configuration.
func NewProvider(cfg *config.Config) *Provider {
	return &Provider{cfg: cfg}
}

// Repository returns the active backend. Resolution order: test override >
// memoized default > fresh construction. Any custom option bypasses the
// memo for that call.
func (p *Provider) Repository(opts ...Option) schedule.Repository {
	var bo buildOpts
	for _, opt := range opts {
		opt(&bo)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.override != nil {
		return p.override
	}
	if !bo.custom {
		if p.cached == nil {
			p.cached = p.build(bo)
		}
		return p.cached
	}
	return p.build(bo)
}

// Override substitutes an arbitrary repository until Reset is called.
func (p *Provider) Override(r schedule.Repository) {
	p.mu.Lock()
	p.override = r
	p.mu.Unlock()
}

// Reset restores default resolution and drops the memoized instance.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.override = nil
	p.cached = nil
	p.mu.Unlock()
}

// build constructs a backend per configuration: explicit selection first,
// then an environment capability probe (a token source present means the
// list store is reachable).
func (p *Provider) build(bo buildOpts) schedule.Repository {
	owner := bo.ownerUserID
	if owner == "" {
		owner = p.cfg.OwnerUserID
	}

	backend := p.cfg.Backend
	if backend == config.BackendAuto {
		if p.cfg.ListToken() != "" || bo.tokenProvider != nil {
			backend = config.BackendListStore
		} else {
			backend = config.BackendDemo
		}
	}

	switch backend {
	case config.BackendListStore:
		tp := bo.tokenProvider
		if tp == nil {
			tp = p.configToken
		}
		listName := bo.listName
		if listName == "" {
			listName = p.cfg.ListStore.ListName
		}
		appLog.Info("repo: using list-store backend", "list", listName)
		return liststore.New(liststore.Options{
			BaseURL:        p.cfg.ListStore.BaseURL,
			ListName:       listName,
			LegacyListName: p.cfg.ListStore.LegacyListName,
			TokenProvider:  tp,
			OwnerUserID:    owner,
			WritesEnabled:  p.cfg.WritesEnabled,
		})
	default:
		appLog.Info("repo: using demo backend", "scenario", p.cfg.DemoScenario)
		return memory.New(p.cfg.DemoScenario, owner)
	}
}

func (p *Provider) configToken(_ context.Context) (string, error) {
	return p.cfg.ListToken(), nil
}

// Calendar constructs the calendar-API repository when an endpoint is
// configured; nil otherwise. The calendar is a sibling read path (consumed
// by the refresh loop and the feed exporter), not part of default backend
// selection.
func (p *Provider) Calendar() schedule.Repository {
	if p.cfg.Calendar.Endpoint == "" {
		return nil
	}
	cfg := p.cfg
	return calapi.New(calapi.Options{
		Endpoint: cfg.Calendar.Endpoint,
		TokenProvider: func(ctx context.Context) (string, error) {
			return cfg.CalendarToken(), nil
		},
		OwnerUserID: cfg.OwnerUserID,
		TTL:         time.Duration(cfg.Calendar.CacheTTLSeconds) * time.Second,
		MaxRetries:  cfg.Calendar.MaxRetries,
	})
}
