// Package router maps job kinds to the ordered provider chain the HTTP
// executor walks, moving to the next provider when one fails.
package router

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pario-ai/spendguard/pkg/config"
	"github.com/pario-ai/spendguard/pkg/models"
)

var errNoProviders = errors.New("no providers configured")

// Route is one provider and the path to POST the job to.
type Route struct {
	Provider config.ProviderConfig
	Path     string
}

// Router holds the chains built from the config. A kind with no configured
// route goes to the first provider at DefaultPath.
type Router struct {
	fallback *config.ProviderConfig
	chains   map[models.JobKind][]Route
	broken   map[models.JobKind]error
}

// New builds the chains once. Route kinds accept the same aliases as job
// requests; the first route configured for a kind wins.
func New(cfg *config.Config) *Router {
	r := &Router{
		chains: make(map[models.JobKind][]Route),
		broken: make(map[models.JobKind]error),
	}
	if len(cfg.Providers) == 0 {
		return r
	}
	first := cfg.Providers[0]
	r.fallback = &first

	byName := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		byName[p.Name] = p
	}

	for _, rc := range cfg.Router.Routes {
		kind, err := models.ParseJobKind(rc.Kind)
		if err != nil {
			continue
		}
		if _, done := r.chains[kind]; done || r.broken[kind] != nil {
			continue
		}
		chain := make([]Route, 0, len(rc.Targets))
		for _, t := range rc.Targets {
			p, ok := byName[t.Provider]
			if !ok {
				continue
			}
			path := t.Path
			if path == "" {
				path = DefaultPath(kind)
			}
			chain = append(chain, Route{Provider: p, Path: path})
		}
		if len(chain) == 0 {
			r.broken[kind] = fmt.Errorf("route %q: no known provider among its targets", rc.Kind)
			continue
		}
		r.chains[kind] = chain
	}
	return r
}

// Resolve returns the chain for kind. The slice is the caller's to keep.
func (r *Router) Resolve(kind models.JobKind) ([]Route, error) {
	if r.fallback == nil {
		return nil, errNoProviders
	}
	if err := r.broken[kind]; err != nil {
		return nil, err
	}
	if chain, ok := r.chains[kind]; ok {
		return slices.Clone(chain), nil
	}
	return []Route{{Provider: *r.fallback, Path: DefaultPath(kind)}}, nil
}

// DefaultPath is the upstream path used when a target names none.
func DefaultPath(kind models.JobKind) string {
	return "/v1/" + string(kind)
}
