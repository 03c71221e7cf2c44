// Package playbook maps attack vectors to ordered sequences of
// mitigation steps and selects the step an event qualifies for.
package playbook

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/inventory"
)

// Match selects which events a playbook applies to.
type Match struct {
	Vector          domain.AttackVector `yaml:"vector"`
	RequireTopPorts bool                `yaml:"require_top_ports"`
}

// Step is one rung of a playbook: an action plus the preconditions an
// event must meet before the step fires.
type Step struct {
	Action                   domain.ActionType `yaml:"action"`
	RateBPS                  *uint64           `yaml:"rate_bps,omitempty"`
	TTLSeconds               int               `yaml:"ttl_seconds"`
	RequireConfidenceAtLeast *float64          `yaml:"require_confidence_at_least,omitempty"`
	RequirePersistenceSecs   *int              `yaml:"require_persistence_seconds,omitempty"`
}

// TTL returns the step's rule lifetime.
func (s *Step) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// Params returns the step's action parameters.
func (s *Step) Params() domain.ActionParams {
	return domain.ActionParams{RateBPS: s.RateBPS}
}

// Playbook is an ordered list of steps for one vector.
type Playbook struct {
	Name  string `yaml:"name"`
	Match Match  `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// file is the on-disk playbooks document.
type file struct {
	Playbooks []Playbook `yaml:"playbooks"`
}

// Selection is the outcome of selecting a step for an event.
type Selection struct {
	Playbook *Playbook
	Step     Step
	// Index of the step within the playbook, for escalation lookahead.
	StepIndex int
}

// Selector picks playbook steps for events. Playbook order matters:
// the first playbook whose match applies wins.
type Selector struct {
	playbooks           []Playbook
	permissiveTTLFactor float64
}

// NewSelector builds a selector. permissiveTTLFactor scales step TTLs
// for customers on the permissive profile; values <= 1 leave TTLs
// unchanged.
func NewSelector(playbooks []Playbook, permissiveTTLFactor float64) (*Selector, error) {
	for _, pb := range playbooks {
		if pb.Name == "" {
			return nil, fmt.Errorf("playbook without a name")
		}
		if len(pb.Steps) == 0 {
			return nil, fmt.Errorf("playbook %s has no steps", pb.Name)
		}
		if _, err := domain.ParseVector(string(pb.Match.Vector)); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", pb.Name, err)
		}
		for i, s := range pb.Steps {
			if _, err := domain.ParseActionType(string(s.Action)); err != nil {
				return nil, fmt.Errorf("playbook %s step %d: %w", pb.Name, i, err)
			}
			if s.Action == domain.ActionPolice && (s.RateBPS == nil || *s.RateBPS == 0) {
				return nil, fmt.Errorf("playbook %s step %d: police requires rate_bps", pb.Name, i)
			}
			if s.TTLSeconds <= 0 {
				return nil, fmt.Errorf("playbook %s step %d: ttl_seconds must be positive", pb.Name, i)
			}
		}
	}
	return &Selector{playbooks: playbooks, permissiveTTLFactor: permissiveTTLFactor}, nil
}

// LoadFromFile reads a playbooks YAML document.
func LoadFromFile(path string, permissiveTTLFactor float64) (*Selector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading playbooks file: %w", err)
	}

	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing playbooks: %w", err)
	}

	return NewSelector(doc.Playbooks, permissiveTTLFactor)
}

// Select returns the first step of the first matching playbook whose
// preconditions the event satisfies, adjusted for the policy profile:
// strict suppresses police steps (forcing discard), permissive scales
// the TTL. persistence is how long a correlated predecessor mitigation
// has been engaged, zero when there is none. Returns nil when no
// playbook or step applies.
func (sel *Selector) Select(ev *domain.AttackEvent, profile inventory.PolicyProfile,
	servicePorts []uint16, persistence time.Duration) *Selection {

	pb := sel.matchPlaybook(ev, servicePorts)
	if pb == nil {
		return nil
	}

	for i := range pb.Steps {
		step := pb.Steps[i]
		if !stepPreconditionsMet(&step, ev, persistence) {
			continue
		}
		applyProfile(&step, profile, sel.permissiveTTLFactor)
		return &Selection{Playbook: pb, Step: step, StepIndex: i}
	}
	return nil
}

// NextStrongerStep returns the first step after fromIndex that is
// strictly stronger than the given action under the escalation partial
// order and whose preconditions the event satisfies. Used by the
// escalator after a refresh.
func (sel *Selector) NextStrongerStep(pb *Playbook, fromIndex int,
	action domain.ActionType, params domain.ActionParams,
	ev *domain.AttackEvent, persistence time.Duration,
	profile inventory.PolicyProfile) *Selection {

	for i := fromIndex + 1; i < len(pb.Steps); i++ {
		step := pb.Steps[i]
		if !domain.Stronger(step.Action, step.Params(), action, params) {
			continue
		}
		if !stepPreconditionsMet(&step, ev, persistence) {
			continue
		}
		applyProfile(&step, profile, sel.permissiveTTLFactor)
		return &Selection{Playbook: pb, Step: step, StepIndex: i}
	}
	return nil
}

// FindPlaybook returns the playbook that would match the event, for
// callers that need escalation lookahead on an existing mitigation.
func (sel *Selector) FindPlaybook(ev *domain.AttackEvent, servicePorts []uint16) *Playbook {
	return sel.matchPlaybook(ev, servicePorts)
}

func (sel *Selector) matchPlaybook(ev *domain.AttackEvent, servicePorts []uint16) *Playbook {
	for i := range sel.playbooks {
		pb := &sel.playbooks[i]
		if pb.Match.Vector != ev.Vector {
			continue
		}
		if pb.Match.RequireTopPorts && !portsIntersect(ev.TopDstPorts, servicePorts) {
			continue
		}
		return pb
	}
	return nil
}

func stepPreconditionsMet(s *Step, ev *domain.AttackEvent, persistence time.Duration) bool {
	if s.RequireConfidenceAtLeast != nil {
		if ev.Confidence == nil || *ev.Confidence < *s.RequireConfidenceAtLeast {
			return false
		}
	}
	if s.RequirePersistenceSecs != nil {
		if persistence < time.Duration(*s.RequirePersistenceSecs)*time.Second {
			return false
		}
	}
	return true
}

// applyProfile adjusts a selected step for the customer's policy
// profile.
func applyProfile(s *Step, profile inventory.PolicyProfile, ttlFactor float64) {
	switch profile {
	case inventory.ProfileStrict:
		if s.Action == domain.ActionPolice {
			s.Action = domain.ActionDiscard
			s.RateBPS = nil
		}
	case inventory.ProfilePermissive:
		if ttlFactor > 1 {
			s.TTLSeconds = int(float64(s.TTLSeconds) * ttlFactor)
		}
	}
}

func portsIntersect(a, b []uint16) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[uint16]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if set[p] {
			return true
		}
	}
	return false
}
