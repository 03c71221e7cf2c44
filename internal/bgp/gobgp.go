package bgp

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	api "github.com/osrg/gobgp/v3/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	apb "google.golang.org/protobuf/types/known/anypb"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// FlowSpec component types (RFC 8955).
const (
	fsTypeDstPrefix uint32 = 1
	fsTypeIPProto   uint32 = 3
	fsTypeDstPort   uint32 = 5
)

// FlowSpec component operator bits: end-of-list | equality.
const (
	fsOpEq        uint32 = 0x01
	fsOpEndOfList uint32 = 0x80
)

// GoBGP speaks to a local gobgpd over its gRPC API and advertises
// mitigations as FlowSpec paths. It keeps its own scope index so the
// reconciler can diff expected against advertised without decoding
// NLRI back out of the RIB.
type GoBGP struct {
	log      *zap.Logger
	conn     *grpc.ClientConn
	client   api.GobgpApiClient
	localASN uint32

	mu         sync.RWMutex
	advertised map[string]*domain.Mitigation
}

// DialGoBGP connects to a gobgpd gRPC endpoint.
func DialGoBGP(ctx context.Context, log *zap.Logger, addr string, localASN uint32) (*GoBGP, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to gobgpd at %s: %w", addr, err)
	}

	g := &GoBGP{
		log:        log,
		conn:       conn,
		client:     api.NewGobgpApiClient(conn),
		localASN:   localASN,
		advertised: make(map[string]*domain.Mitigation),
	}

	// Fail fast when gobgpd is unreachable or not configured.
	if _, err := g.client.GetBgp(ctx, &api.GetBgpRequest{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("querying gobgpd at %s: %w", addr, err)
	}

	return g, nil
}

func (g *GoBGP) Announce(ctx context.Context, m *domain.Mitigation) error {
	path, err := g.buildPath(m)
	if err != nil {
		return err
	}

	if _, err := g.client.AddPath(ctx, &api.AddPathRequest{
		TableType: api.TableType_GLOBAL,
		Path:      path,
	}); err != nil {
		return fmt.Errorf("adding flowspec path for %s: %w", m.ScopeHash, err)
	}

	g.mu.Lock()
	cp := *m
	g.advertised[m.ScopeHash] = &cp
	g.mu.Unlock()

	g.log.Info("flowspec path announced",
		zap.String("scope", m.ScopeHash),
		zap.String("dst_prefix", m.MatchCriteria.DstPrefix),
		zap.String("action", string(m.ActionType)),
	)
	return nil
}

func (g *GoBGP) Withdraw(ctx context.Context, m *domain.Mitigation) error {
	target := m
	if m.MatchCriteria.DstPrefix == "" {
		// Scope-only withdraw (stray cleanup): rebuild the path from
		// our own advertised index.
		g.mu.RLock()
		stored, ok := g.advertised[m.ScopeHash]
		g.mu.RUnlock()
		if !ok {
			g.log.Warn("stray scope not in advertised index; skipping withdraw",
				zap.String("scope", m.ScopeHash))
			return nil
		}
		target = stored
	}

	path, err := g.buildPath(target)
	if err != nil {
		return err
	}

	if _, err := g.client.DeletePath(ctx, &api.DeletePathRequest{
		TableType: api.TableType_GLOBAL,
		Path:      path,
	}); err != nil {
		return fmt.Errorf("deleting flowspec path for %s: %w", m.ScopeHash, err)
	}

	g.mu.Lock()
	delete(g.advertised, m.ScopeHash)
	g.mu.Unlock()

	g.log.Info("flowspec path withdrawn", zap.String("scope", m.ScopeHash))
	return nil
}

func (g *GoBGP) ListAdvertised(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.advertised))
	for scope := range g.advertised {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (g *GoBGP) PeerStatus(ctx context.Context) ([]PeerState, error) {
	stream, err := g.client.ListPeer(ctx, &api.ListPeerRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}

	var out []PeerState
	for {
		resp, err := stream.Recv()
		if err != nil {
			break
		}
		peer := resp.GetPeer()
		if peer == nil {
			continue
		}
		state := PeerState{
			Address: peer.GetConf().GetNeighborAddress(),
			ASN:     peer.GetConf().GetPeerAsn(),
		}
		if st := peer.GetState(); st != nil {
			state.SessionState = strings.ToLower(st.GetSessionState().String())
		}
		out = append(out, state)
	}
	return out, nil
}

func (g *GoBGP) Close() error {
	return g.conn.Close()
}

// buildPath translates a mitigation into a FlowSpec path: destination
// prefix, optional IP protocol, optional destination ports, and the
// action encoded as an extended community.
func (g *GoBGP) buildPath(m *domain.Mitigation) (*api.Path, error) {
	criteria, err := m.MatchCriteria.Normalize()
	if err != nil {
		return nil, err
	}

	ip, ipNet, err := net.ParseCIDR(criteria.DstPrefix)
	if err != nil {
		return nil, fmt.Errorf("invalid dst_prefix %q: %w", criteria.DstPrefix, err)
	}
	ones, _ := ipNet.Mask.Size()

	family := &api.Family{Afi: api.Family_AFI_IP, Safi: api.Family_SAFI_FLOW_SPEC_UNICAST}
	if ip.To4() == nil {
		family = &api.Family{Afi: api.Family_AFI_IP6, Safi: api.Family_SAFI_FLOW_SPEC_UNICAST}
	}

	var rules []*apb.Any

	prefixRule, err := apb.New(&api.FlowSpecIPPrefix{
		Type:      fsTypeDstPrefix,
		PrefixLen: uint32(ones),
		Prefix:    ipNet.IP.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding prefix rule: %w", err)
	}
	rules = append(rules, prefixRule)

	if criteria.Protocol != nil {
		protoRule, err := apb.New(&api.FlowSpecComponent{
			Type: fsTypeIPProto,
			Items: []*api.FlowSpecComponentItem{
				{Op: fsOpEndOfList | fsOpEq, Value: uint64(*criteria.Protocol)},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encoding protocol rule: %w", err)
		}
		rules = append(rules, protoRule)
	}

	if len(criteria.DstPorts) > 0 {
		items := make([]*api.FlowSpecComponentItem, len(criteria.DstPorts))
		for i, port := range criteria.DstPorts {
			op := fsOpEq
			if i == len(criteria.DstPorts)-1 {
				op |= fsOpEndOfList
			}
			items[i] = &api.FlowSpecComponentItem{Op: op, Value: uint64(port)}
		}
		portRule, err := apb.New(&api.FlowSpecComponent{Type: fsTypeDstPort, Items: items})
		if err != nil {
			return nil, fmt.Errorf("encoding port rule: %w", err)
		}
		rules = append(rules, portRule)
	}

	nlri, err := apb.New(&api.FlowSpecNLRI{Rules: rules})
	if err != nil {
		return nil, fmt.Errorf("encoding nlri: %w", err)
	}

	community, err := g.actionCommunity(m)
	if err != nil {
		return nil, err
	}

	origin, err := apb.New(&api.OriginAttribute{Origin: 0})
	if err != nil {
		return nil, fmt.Errorf("encoding origin: %w", err)
	}
	extCommunities, err := apb.New(&api.ExtendedCommunitiesAttribute{
		Communities: []*apb.Any{community},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding extended communities: %w", err)
	}

	return &api.Path{
		Family: family,
		Nlri:   nlri,
		Pattrs: []*apb.Any{origin, extCommunities},
	}, nil
}

// actionCommunity encodes the mitigation action as a FlowSpec traffic
// action extended community: traffic-rate for police, traffic-rate 0
// for discard, and redirect for redirect.
func (g *GoBGP) actionCommunity(m *domain.Mitigation) (*apb.Any, error) {
	switch m.ActionType {
	case domain.ActionPolice:
		if m.ActionParams.RateBPS == nil {
			return nil, fmt.Errorf("police mitigation %s without rate_bps", m.MitigationID)
		}
		// FlowSpec traffic-rate is bytes per second.
		return apb.New(&api.TrafficRateExtended{
			Asn:  g.localASN,
			Rate: float32(*m.ActionParams.RateBPS / 8),
		})
	case domain.ActionDiscard:
		return apb.New(&api.TrafficRateExtended{Asn: g.localASN, Rate: 0})
	case domain.ActionRedirect:
		return apb.New(&api.RedirectTwoOctetAsSpecificExtended{
			Asn:        g.localASN,
			LocalAdmin: 666,
		})
	default:
		return nil, fmt.Errorf("unsupported action type %s", m.ActionType)
	}
}
