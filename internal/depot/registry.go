package depot

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/memento"
)

// DefaultFallbackPrefix is used when no configured depot offers a fallback.
const DefaultFallbackPrefix = "https://archive.today/newest/"

// Registry is the ordered, read-only set of depots. It is built once at
// startup and shared by every processor; nothing mutates it afterwards.
type Registry struct {
	depots          []*Depot
	byName          map[string]*Depot
	fallbackPrefix  string
	fallbackDepotIx int
}

// NewRegistry builds depots in configuration order. Duplicate names are rejected.
func NewRegistry(
	cfgs []Config,
	fetcher memento.Fetcher,
	userAgent string,
	defaultFallbackPrefix string,
	logger *zap.Logger,
) (*Registry, error) {
	if defaultFallbackPrefix == "" {
		defaultFallbackPrefix = DefaultFallbackPrefix
	}
	r := &Registry{
		byName:          make(map[string]*Depot, len(cfgs)),
		fallbackPrefix:  defaultFallbackPrefix,
		fallbackDepotIx: -1,
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("depot with time gate %q has no name", cfg.TimeGatePrefix)
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate depot name %q", cfg.Name)
		}
		d, err := New(cfg, fetcher, userAgent, logger)
		if err != nil {
			return nil, err
		}
		if r.fallbackDepotIx < 0 && cfg.FallbackPrefix != "" {
			r.fallbackDepotIx = len(r.depots)
		}
		r.depots = append(r.depots, d)
		r.byName[cfg.Name] = d
	}
	return r, nil
}

// Depots returns the depots in priority order.
func (r *Registry) Depots() []*Depot {
	return append([]*Depot(nil), r.depots...)
}

// Get looks a depot up by name.
func (r *Registry) Get(name string) (*Depot, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Len reports the number of configured depots.
func (r *Registry) Len() int {
	return len(r.depots)
}

// Configs returns the depot configurations in priority order.
func (r *Registry) Configs() []Config {
	out := make([]Config, 0, len(r.depots))
	for _, d := range r.depots {
		out = append(out, d.cfg)
	}
	return out
}

// FallbackURL returns a manual-search link from the first depot that has a
// fallback prefix, or the default archive search template.
func (r *Registry) FallbackURL(url string) string {
	if r.fallbackDepotIx >= 0 {
		if u, ok := r.depots[r.fallbackDepotIx].FallbackURL(url); ok {
			return u
		}
	}
	return r.fallbackPrefix + url
}
