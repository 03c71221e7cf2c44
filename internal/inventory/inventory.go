// Package inventory holds the static snapshot mapping IPs to customers
// and services. It is built once at startup and queried on every
// decision; lookups are longest-prefix-match over a radix trie.
package inventory

import (
	"fmt"
	"net"
	"os"

	"github.com/yl2chen/cidranger"
	"gopkg.in/yaml.v3"
)

// PolicyProfile selects how aggressively playbooks act for a customer.
type PolicyProfile string

const (
	ProfilePermissive PolicyProfile = "permissive"
	ProfileNormal     PolicyProfile = "normal"
	ProfileStrict     PolicyProfile = "strict"
)

// Asset is a single IP belonging to a service.
type Asset struct {
	IP   string  `yaml:"ip"`
	Role *string `yaml:"role,omitempty"`
}

// AllowedPorts lists the ports a service legitimately answers on.
type AllowedPorts struct {
	UDP []uint16 `yaml:"udp"`
	TCP []uint16 `yaml:"tcp"`
}

// Service groups assets under a customer.
type Service struct {
	ServiceID    string       `yaml:"service_id"`
	Name         string       `yaml:"name"`
	Assets       []Asset      `yaml:"assets"`
	AllowedPorts AllowedPorts `yaml:"allowed_ports"`
}

// Customer owns prefixes and services.
type Customer struct {
	CustomerID    string        `yaml:"customer_id"`
	Name          string        `yaml:"name"`
	Prefixes      []string      `yaml:"prefixes"`
	PolicyProfile PolicyProfile `yaml:"policy_profile"`
	Services      []Service     `yaml:"services"`
}

// file is the on-disk inventory document.
type file struct {
	Customers []Customer `yaml:"customers"`
}

// customerEntry adapts a customer prefix for the radix trie.
type customerEntry struct {
	ipNet    net.IPNet
	customer *Customer
}

func (e *customerEntry) Network() net.IPNet { return e.ipNet }

// assetRef points back to the owning customer and service of an asset.
type assetRef struct {
	customer *Customer
	service  *Service
}

// Inventory answers IP ownership queries. Build once, query many; it is
// immutable after construction and safe for concurrent use.
type Inventory struct {
	customers []Customer
	ranger    cidranger.Ranger
	assets    map[string]assetRef
}

// New builds an inventory from the given customers.
func New(customers []Customer) (*Inventory, error) {
	inv := &Inventory{
		customers: customers,
		ranger:    cidranger.NewPCTrieRanger(),
		assets:    make(map[string]assetRef),
	}

	for i := range inv.customers {
		c := &inv.customers[i]
		if c.PolicyProfile == "" {
			c.PolicyProfile = ProfileNormal
		}
		for _, p := range c.Prefixes {
			_, ipNet, err := net.ParseCIDR(p)
			if err != nil {
				return nil, fmt.Errorf("customer %s: invalid prefix %q: %w", c.CustomerID, p, err)
			}
			if err := inv.ranger.Insert(&customerEntry{ipNet: *ipNet, customer: c}); err != nil {
				return nil, fmt.Errorf("customer %s: indexing prefix %q: %w", c.CustomerID, p, err)
			}
		}
		for j := range c.Services {
			s := &c.Services[j]
			for _, a := range s.Assets {
				if net.ParseIP(a.IP) == nil {
					return nil, fmt.Errorf("service %s: invalid asset ip %q", s.ServiceID, a.IP)
				}
				inv.assets[a.IP] = assetRef{customer: c, service: s}
			}
		}
	}

	return inv, nil
}

// LoadFromFile reads an inventory YAML document.
func LoadFromFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory file: %w", err)
	}

	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}

	return New(doc.Customers)
}

// LookupIP resolves an IP to its longest-matching customer prefix and,
// within that customer, the service whose assets contain the IP. The
// service is nil when the IP is in a customer prefix but not a known
// asset.
func (inv *Inventory) LookupIP(ip string) (*Customer, *Service, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil, false
	}

	entries, err := inv.ranger.ContainingNetworks(parsed)
	if err != nil || len(entries) == 0 {
		return nil, nil, false
	}

	// Longest match wins.
	var best *customerEntry
	bestLen := -1
	for _, e := range entries {
		ce := e.(*customerEntry)
		ones, _ := ce.ipNet.Mask.Size()
		if ones > bestLen {
			bestLen = ones
			best = ce
		}
	}

	if ref, ok := inv.assets[ip]; ok && ref.customer == best.customer {
		return best.customer, ref.service, true
	}
	return best.customer, nil, true
}

// IsOwned reports whether any customer prefix contains the IP.
func (inv *Inventory) IsOwned(ip string) bool {
	_, _, ok := inv.LookupIP(ip)
	return ok
}

// Customers returns the full snapshot, for listings.
func (inv *Inventory) Customers() []Customer {
	return inv.customers
}

// ServicePorts returns the union of a service's allowed UDP and TCP
// ports, used by playbooks that require top-port intersection.
func ServicePorts(s *Service) []uint16 {
	if s == nil {
		return nil
	}
	ports := make([]uint16, 0, len(s.AllowedPorts.UDP)+len(s.AllowedPorts.TCP))
	ports = append(ports, s.AllowedPorts.UDP...)
	ports = append(ports, s.AllowedPorts.TCP...)
	return ports
}
