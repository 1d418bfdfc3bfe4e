// Package spam implements the relay's blocklist/allowlist pattern sets,
// adaptive reputation tiers, and sliding-window rate limiters,
// grounded on the SDK contact book's O(1) block-pattern cache shape and
// threat.Scorer's severity-banding pattern.
package spam

import (
	"strings"
	"sync"

	"github.com/uam-network/uam-relay/internal/protocol/address"
)

// PatternSet is an O(1) exact-or-wildcard-domain matcher, shared by both
// the blocklist and the allowlist. A pattern of the form `*::domain`
// matches any address at that domain; any other pattern matches only
// that exact address.
type PatternSet struct {
	mu      sync.RWMutex
	exact   map[string]struct{}
	domains map[string]struct{}
}

// NewPatternSet constructs an empty PatternSet.
func NewPatternSet() *PatternSet {
	return &PatternSet{
		exact:   make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
}

// Add inserts pattern, routing `*::domain` wildcards into the domain set
// and everything else into the exact set.
func (p *PatternSet) Add(pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(pattern, "*::") {
		p.domains[strings.TrimPrefix(pattern, "*::")] = struct{}{}
		return
	}
	p.exact[pattern] = struct{}{}
}

// Remove deletes pattern from whichever set it was added to.
func (p *PatternSet) Remove(pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(pattern, "*::") {
		delete(p.domains, strings.TrimPrefix(pattern, "*::"))
		return
	}
	delete(p.exact, pattern)
}

// Matches reports whether addr matches an exact pattern or the wildcard
// domain pattern for its domain.
func (p *PatternSet) Matches(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.exact[addr]; ok {
		return true
	}
	parsed, err := address.Parse(addr)
	if err != nil {
		return false
	}
	_, ok := p.domains[parsed.Domain]
	return ok
}

// List returns every pattern currently stored, exact addresses followed by
// `*::domain` wildcards.
func (p *PatternSet) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.exact)+len(p.domains))
	for a := range p.exact {
		out = append(out, a)
	}
	for d := range p.domains {
		out = append(out, "*::"+d)
	}
	return out
}

// LoadAll replaces the set's contents with patterns, used to hydrate the
// in-memory cache from Storage at boot.
func (p *PatternSet) LoadAll(patterns []string) {
	p.mu.Lock()
	p.exact = make(map[string]struct{})
	p.domains = make(map[string]struct{})
	p.mu.Unlock()
	for _, pat := range patterns {
		p.Add(pat)
	}
}
