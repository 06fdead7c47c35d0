// Package acl decides whether a client address may use the service, based on
// an ordered table of IPv4 CIDR rules and a default action.
package acl

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"utc_daemon/internal/config"
)

type Action int

const (
	Allow Action = iota
	Deny
)

func (a Action) String() string {
	if a == Deny {
		return "deny"
	}
	return "allow"
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	}
	return Allow, fmt.Errorf("unknown acl action %q", s)
}

// RuleOrder controls which of two overlapping rules is evaluated first.
type RuleOrder int

const (
	// MostSpecificFirst evaluates longer prefixes first, so a /32 inside an
	// allowed /24 decides for that address.
	MostSpecificFirst RuleOrder = iota
	// LeastSpecificFirst evaluates shorter prefixes first: the broadest
	// matching network decides.
	LeastSpecificFirst
)

func ParseRuleOrder(s string) (RuleOrder, error) {
	switch s {
	case "", config.OrderMostSpecificFirst:
		return MostSpecificFirst, nil
	case config.OrderLeastSpecificFirst:
		return LeastSpecificFirst, nil
	}
	return MostSpecificFirst, fmt.Errorf("unknown acl rule order %q", s)
}

type Rule struct {
	Action      Action
	Network     string
	Description string
}

type entry struct {
	rule    Rule
	network uint32
	mask    uint32
	prefix  int
}

type AccessList struct {
	mu            sync.Mutex
	defaultAction Action
	order         RuleOrder
	rules         []entry
}

func New() *AccessList {
	return &AccessList{
		defaultAction: Allow,
		order:         MostSpecificFirst,
	}
}

// Configure replaces the rule table and policy with the ones in cfg. Entries
// that do not parse are skipped and returned.
func (a *AccessList) Configure(cfg *config.ACLConfig) ([]string, error) {
	action, err := ParseAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	order, err := ParseRuleOrder(cfg.RuleOrder)
	if err != nil {
		return nil, err
	}
	a.SetDefaultAction(action)
	a.SetRuleOrder(order)
	return a.LoadRules(cfg.Allowed, cfg.Denied), nil
}

func (a *AccessList) SetDefaultAction(action Action) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultAction = action
}

func (a *AccessList) DefaultAction() Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defaultAction
}

func (a *AccessList) SetRuleOrder(order RuleOrder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.order = order
	a.sortRules()
}

// AddRule inserts rule, replacing any rule for the same network string.
// It returns false and leaves the table untouched if the network is invalid.
func (a *AccessList) AddRule(rule Rule) bool {
	network, mask, ok := ParseCIDR(rule.Network)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(rule.Network)
	a.rules = append(a.rules, entry{
		rule:    rule,
		network: network,
		mask:    mask,
		prefix:  prefixLen(mask),
	})
	a.sortRules()
	return true
}

func (a *AccessList) Add(action Action, network, description string) bool {
	return a.AddRule(Rule{Action: action, Network: network, Description: description})
}

func (a *AccessList) RemoveRule(network string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(network)
}

func (a *AccessList) HasRule(network string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.rules {
		if e.rule.Network == network {
			return true
		}
	}
	return false
}

func (a *AccessList) ClearRules() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = nil
}

// Rules returns a copy of the table in evaluation order.
func (a *AccessList) Rules() []Rule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Rule, len(a.rules))
	for i, e := range a.rules {
		out[i] = e.rule
	}
	return out
}

// LoadRules clears the table, then adds an Allow rule for every allowed
// network followed by a Deny rule for every denied one.
func (a *AccessList) LoadRules(allowed, denied []string) (rejected []string) {
	a.ClearRules()
	for _, n := range allowed {
		if !a.Add(Allow, n, "") {
			rejected = append(rejected, n)
		}
	}
	for _, n := range denied {
		if !a.Add(Deny, n, "") {
			rejected = append(rejected, n)
		}
	}
	return rejected
}

func (a *AccessList) IsAllowed(ip string) bool {
	return !a.IsDenied(ip)
}

// IsDenied walks the table in order; the first rule containing ip decides.
// Without a match, or for an address that is not dotted-quad IPv4, the
// default action applies.
func (a *AccessList) IsDenied(ip string) bool {
	addr, ok := IPToUint32(ip)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ok {
		for _, e := range a.rules {
			if matches(addr, e.network, e.mask) {
				return e.rule.Action == Deny
			}
		}
	}
	return a.defaultAction == Deny
}

func (a *AccessList) removeLocked(network string) bool {
	kept := a.rules[:0]
	removed := false
	for _, e := range a.rules {
		if e.rule.Network == network {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	a.rules = kept
	return removed
}

func (a *AccessList) sortRules() {
	if a.order == LeastSpecificFirst {
		sort.SliceStable(a.rules, func(i, j int) bool {
			return a.rules[i].prefix < a.rules[j].prefix
		})
		return
	}
	sort.SliceStable(a.rules, func(i, j int) bool {
		return a.rules[i].prefix > a.rules[j].prefix
	})
}
