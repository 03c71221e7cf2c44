package safelist

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/store"
)

func newChecker(t *testing.T, static []string) (*Checker, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	c, err := NewChecker(zap.NewNop(), repo, static)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	return c, repo
}

func TestStaticPrefixVeto(t *testing.T) {
	c, _ := newChecker(t, []string{"10.0.0.0/8"})

	if !c.IsSafelisted("10.1.2.3") {
		t.Error("10.1.2.3 should be safelisted by 10.0.0.0/8")
	}
	if c.IsSafelisted("192.0.2.1") {
		t.Error("192.0.2.1 should not be safelisted")
	}
	if c.IsSafelisted("garbage") {
		t.Error("garbage input should not be safelisted")
	}
}

func TestRepositoryEntriesMerged(t *testing.T) {
	c, _ := newChecker(t, nil)
	ctx := context.Background()

	if c.IsSafelisted("172.16.0.1") {
		t.Fatal("unexpected veto before add")
	}

	err := c.Add(ctx, &domain.SafelistEntry{
		Prefix: "172.16.0.0/12", AddedBy: "op", AddedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !c.IsSafelisted("172.16.0.1") {
		t.Error("entry not effective after Add")
	}

	removed, err := c.Remove(ctx, "172.16.0.0/12")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if c.IsSafelisted("172.16.0.1") {
		t.Error("entry still effective after Remove")
	}
}

func TestExpiredEntriesIgnored(t *testing.T) {
	c, repo := newChecker(t, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	err := repo.InsertSafelist(ctx, &domain.SafelistEntry{
		Prefix: "198.51.100.0/24", AddedBy: "op",
		AddedAt: past.Add(-time.Hour), ExpiresAt: &past,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	if c.IsSafelisted("198.51.100.1") {
		t.Error("expired entry should not veto")
	}
}

func TestCoversProtected(t *testing.T) {
	c, _ := newChecker(t, []string{"10.10.0.0/16"})

	// Proposal inside a protected prefix.
	if !c.CoversProtected("10.10.1.0/24") {
		t.Error("narrower proposal inside protected range not detected")
	}
	// Proposal covering a protected prefix.
	if !c.CoversProtected("10.0.0.0/8") {
		t.Error("broader proposal covering protected range not detected")
	}
	if c.CoversProtected("192.0.2.0/24") {
		t.Error("unrelated proposal flagged")
	}
	if c.CoversProtected("bogus") {
		t.Error("malformed proposal flagged")
	}
}

func TestInvalidStaticPrefix(t *testing.T) {
	repo := store.NewMemory()
	if _, err := NewChecker(zap.NewNop(), repo, []string{"not-cidr"}); err == nil {
		t.Error("invalid static prefix accepted")
	}
}
