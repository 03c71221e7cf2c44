// Package bgp provides the FlowSpec announcement port: the decision
// engine and reconciler push mitigations through a Speaker, which
// translates them into BGP FlowSpec NLRI for upstream routers.
//
// Three implementations exist: Mock (in-memory, used by tests and the
// mock mode), DryRun (records intent without side effects), and GoBGP
// (gRPC to a gobgpd instance).
package bgp

import (
	"context"
	"time"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// PeerState reports one BGP neighbor's session.
type PeerState struct {
	Address      string    `json:"address"`
	ASN          uint32    `json:"asn"`
	SessionState string    `json:"session_state"`
	Uptime       time.Time `json:"uptime,omitempty"`
}

// Speaker announces and withdraws FlowSpec rules. Implementations are
// safe for concurrent use; the advertised set is keyed by scope hash.
type Speaker interface {
	// Announce advertises the mitigation's rule. Announcing an
	// already-advertised scope is idempotent.
	Announce(ctx context.Context, m *domain.Mitigation) error
	// Withdraw removes the rule for the mitigation's scope.
	// Withdrawing an unadvertised scope is not an error.
	Withdraw(ctx context.Context, m *domain.Mitigation) error
	// ListAdvertised returns the scope hashes currently advertised.
	ListAdvertised(ctx context.Context) ([]string, error)
	// PeerStatus reports neighbor session state.
	PeerStatus(ctx context.Context) ([]PeerState, error)
	Close() error
}
