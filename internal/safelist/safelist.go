// Package safelist vetoes mitigation of protected prefixes. Membership
// is a longest-match test over config-seeded prefixes plus operator
// entries from the repository; expired entries are ignored.
//
// Adding a safelist entry does not withdraw mitigations that already
// cover it. Operators withdraw those explicitly.
package safelist

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/store"
)

// Checker answers safelist membership queries. The radix trie is
// rebuilt from the repository on Refresh; reads are lock-free apart
// from an RWMutex around the trie swap.
type Checker struct {
	log    *zap.Logger
	repo   store.Repository
	static []string // config-seeded prefixes, never expire

	mu     sync.RWMutex
	ranger cidranger.Ranger
}

// NewChecker builds a checker seeded with the given static prefixes.
// Call Refresh before first use to merge repository entries.
func NewChecker(log *zap.Logger, repo store.Repository, staticPrefixes []string) (*Checker, error) {
	for _, p := range staticPrefixes {
		if _, _, err := net.ParseCIDR(p); err != nil {
			return nil, fmt.Errorf("invalid static safelist prefix %q: %w", p, err)
		}
	}

	c := &Checker{log: log, repo: repo, static: staticPrefixes}
	c.swap(c.buildStatic())
	return c, nil
}

func (c *Checker) buildStatic() cidranger.Ranger {
	ranger := cidranger.NewPCTrieRanger()
	for _, p := range c.static {
		_, ipNet, err := net.ParseCIDR(p)
		if err != nil {
			continue // validated at construction
		}
		_ = ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet))
	}
	return ranger
}

func (c *Checker) swap(r cidranger.Ranger) {
	c.mu.Lock()
	c.ranger = r
	c.mu.Unlock()
}

// Refresh rebuilds the trie from static prefixes plus unexpired
// repository entries.
func (c *Checker) Refresh(ctx context.Context) error {
	entries, err := c.repo.ListSafelist(ctx)
	if err != nil {
		return fmt.Errorf("listing safelist: %w", err)
	}

	now := time.Now().UTC()
	ranger := c.buildStatic()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		_, ipNet, err := net.ParseCIDR(e.Prefix)
		if err != nil {
			c.log.Warn("skipping malformed safelist prefix",
				zap.String("prefix", e.Prefix), zap.Error(err))
			continue
		}
		_ = ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet))
	}

	c.swap(ranger)
	return nil
}

// IsSafelisted reports whether any safelist prefix contains the IP.
func (c *Checker) IsSafelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.ranger.ContainingNetworks(parsed)
	return err == nil && len(entries) > 0
}

// CoversProtected reports whether the given CIDR overlaps any safelist
// prefix, either by being contained in one or by covering one.
func (c *Checker) CoversProtected(prefix string) bool {
	_, ipNet, err := net.ParseCIDR(prefix)
	if err != nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if entries, err := c.ranger.ContainingNetworks(ipNet.IP); err == nil && len(entries) > 0 {
		return true
	}
	if covered, err := c.ranger.CoveredNetworks(*ipNet); err == nil && len(covered) > 0 {
		return true
	}
	return false
}

// Add persists a new entry and refreshes the trie.
func (c *Checker) Add(ctx context.Context, entry *domain.SafelistEntry) error {
	if _, _, err := net.ParseCIDR(entry.Prefix); err != nil {
		return fmt.Errorf("invalid prefix %q: %w", entry.Prefix, err)
	}
	if err := c.repo.InsertSafelist(ctx, entry); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Remove deletes an entry by prefix and refreshes the trie. Returns
// false when the prefix was not present.
func (c *Checker) Remove(ctx context.Context, prefix string) (bool, error) {
	removed, err := c.repo.RemoveSafelist(ctx, prefix)
	if err != nil {
		return false, err
	}
	if removed {
		if err := c.Refresh(ctx); err != nil {
			return true, err
		}
	}
	return removed, nil
}

// List returns the repository entries.
func (c *Checker) List(ctx context.Context) ([]domain.SafelistEntry, error) {
	return c.repo.ListSafelist(ctx)
}
