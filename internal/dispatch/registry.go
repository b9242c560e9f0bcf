// Package dispatch routes notification devices to pushkins and fans the
// work out with per-pushkin admission control.
package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

// Registry maps app ids to pushkins. Exact patterns always win; glob
// patterns are tried in registration order so lookups never depend on map
// iteration order.
type Registry struct {
	exact map[string]pushkin.Pushkin
	globs []globEntry
}

type globEntry struct {
	pattern *regexp.Regexp
	p       pushkin.Pushkin
}

func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]pushkin.Pushkin)}
}

// Register binds an app-id pattern to a pushkin. Patterns may contain '*'
// wildcards spanning any run of characters.
func (r *Registry) Register(pattern string, p pushkin.Pushkin) error {
	if !strings.Contains(pattern, "*") {
		if _, dup := r.exact[pattern]; dup {
			return fmt.Errorf("app-id pattern %q registered twice", pattern)
		}
		r.exact[pattern] = p
		return nil
	}

	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return fmt.Errorf("app-id pattern %q: %w", pattern, err)
	}
	r.globs = append(r.globs, globEntry{pattern: re, p: p})
	return nil
}

// Lookup resolves the pushkin serving an app id.
func (r *Registry) Lookup(appID string) (pushkin.Pushkin, bool) {
	if p, ok := r.exact[appID]; ok {
		return p, true
	}
	for _, entry := range r.globs {
		if entry.pattern.MatchString(appID) {
			return entry.p, true
		}
	}
	return nil, false
}

// All returns every registered pushkin once, for shutdown hooks.
func (r *Registry) All() []pushkin.Pushkin {
	seen := make(map[pushkin.Pushkin]struct{})
	var all []pushkin.Pushkin
	for _, p := range r.exact {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}
	for _, entry := range r.globs {
		if _, dup := seen[entry.p]; !dup {
			seen[entry.p] = struct{}{}
			all = append(all, entry.p)
		}
	}
	return all
}
