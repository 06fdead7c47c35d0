package acl

import (
	"fmt"
	"sync"
	"testing"

	"utc_daemon/internal/config"
)

func TestAccessList_Defaults(t *testing.T) {
	a := New()
	if a.DefaultAction() != Allow {
		t.Fatalf("default action=%s", a.DefaultAction())
	}
	if !a.IsAllowed("203.0.113.5") {
		t.Fatal("empty table with default allow should allow")
	}
}

func TestAccessList_DefaultDenyFallback(t *testing.T) {
	a := New()
	a.SetDefaultAction(Deny)

	if a.IsAllowed("203.0.113.5") {
		t.Fatal("empty table with default deny should deny")
	}
	if !a.Add(Allow, "203.0.113.5/32", "single host") {
		t.Fatal("AddRule failed")
	}
	if !a.IsAllowed("203.0.113.5") {
		t.Fatal("explicit /32 allow should allow")
	}
	if a.IsAllowed("203.0.113.6") {
		t.Fatal("neighbour should still hit the default")
	}
}

func TestAccessList_SingleAddressExactness(t *testing.T) {
	a := New()
	a.SetDefaultAction(Deny)
	a.Add(Allow, "10.0.0.1", "")

	if !a.IsAllowed("10.0.0.1") {
		t.Fatal("10.0.0.1 should be allowed")
	}
	if a.IsAllowed("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be allowed")
	}
}

func TestAccessList_InvalidRuleLeavesTableUnchanged(t *testing.T) {
	a := New()
	a.Add(Allow, "10.0.0.0/8", "")

	if a.AddRule(Rule{Action: Deny, Network: "invalid-cidr"}) {
		t.Fatal("invalid network accepted")
	}
	if a.Add(Deny, "10.0.0.0/33", "") {
		t.Fatal("invalid prefix accepted")
	}
	if a.HasRule("invalid-cidr") {
		t.Fatal("invalid rule stored")
	}
	if n := len(a.Rules()); n != 1 {
		t.Fatalf("rules=%d want 1", n)
	}
}

func TestAccessList_ReplaceSameNetwork(t *testing.T) {
	a := New()
	a.Add(Allow, "192.168.1.0/24", "first")
	a.Add(Deny, "192.168.1.0/24", "second")

	rules := a.Rules()
	if len(rules) != 1 {
		t.Fatalf("rules=%d want 1", len(rules))
	}
	if rules[0].Action != Deny || rules[0].Description != "second" {
		t.Fatalf("rule not replaced: %+v", rules[0])
	}
	if a.IsAllowed("192.168.1.9") {
		t.Fatal("replacement deny should apply")
	}
}

func TestAccessList_RemoveAndClear(t *testing.T) {
	a := New()
	a.Add(Allow, "192.168.1.0/24", "")
	a.Add(Deny, "10.0.0.50", "")

	if !a.HasRule("192.168.1.0/24") || !a.HasRule("10.0.0.50") {
		t.Fatal("rules missing")
	}
	if !a.RemoveRule("192.168.1.0/24") {
		t.Fatal("RemoveRule returned false")
	}
	if a.RemoveRule("192.168.1.0/24") {
		t.Fatal("second RemoveRule should report nothing removed")
	}
	if a.HasRule("192.168.1.0/24") {
		t.Fatal("rule still present")
	}

	a.ClearRules()
	if len(a.Rules()) != 0 {
		t.Fatal("ClearRules left rules behind")
	}
}

func TestAccessList_RulesSnapshotIsCopy(t *testing.T) {
	a := New()
	a.Add(Allow, "10.0.0.0/8", "")

	rules := a.Rules()
	rules[0].Action = Deny

	if !a.IsAllowed("10.1.1.1") {
		t.Fatal("mutating the snapshot changed the table")
	}
}

/*
-------------------------------------------------
Rule precedence
-------------------------------------------------
*/

func TestAccessList_MostSpecificRuleWins(t *testing.T) {
	a := New()
	a.SetDefaultAction(Allow)

	a.Add(Allow, "192.168.1.0/24", "")
	if !a.IsAllowed("192.168.1.100") {
		t.Fatal("allowed by /24")
	}

	a.Add(Deny, "192.168.1.100", "")
	if a.IsAllowed("192.168.1.100") || !a.IsDenied("192.168.1.100") {
		t.Fatal("/32 deny should override the /24 allow")
	}
	if !a.IsAllowed("192.168.1.101") {
		t.Fatal("rest of the /24 stays allowed")
	}

	rules := a.Rules()
	if rules[0].Network != "192.168.1.100" {
		t.Fatalf("expected /32 first, got %v", rules)
	}
}

func TestAccessList_LeastSpecificFirstOrder(t *testing.T) {
	a := New()
	a.SetRuleOrder(LeastSpecificFirst)

	a.Add(Deny, "192.168.1.100", "")
	a.Add(Allow, "192.168.1.0/24", "")

	// the broad /24 is evaluated first and decides for the whole range
	if !a.IsAllowed("192.168.1.100") {
		t.Fatal("least-specific-first: /24 allow should win over /32 deny")
	}

	rules := a.Rules()
	if rules[0].Network != "192.168.1.0/24" {
		t.Fatalf("expected /24 first, got %v", rules)
	}

	a.SetRuleOrder(MostSpecificFirst)
	if a.IsAllowed("192.168.1.100") {
		t.Fatal("switching order should re-sort the table")
	}
}

func TestAccessList_EqualPrefixKeepsInsertionOrder(t *testing.T) {
	a := New()
	a.Add(Deny, "10.0.0.0/8", "")
	a.Add(Allow, "11.0.0.0/8", "")
	a.Add(Allow, "12.0.0.0/8", "")

	rules := a.Rules()
	got := []string{rules[0].Network, rules[1].Network, rules[2].Network}
	want := []string{"10.0.0.0/8", "11.0.0.0/8", "12.0.0.0/8"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v want %v", got, want)
		}
	}
}

func TestAccessList_LoadRules(t *testing.T) {
	a := New()
	a.Add(Deny, "1.2.3.4", "stale")

	rejected := a.LoadRules(
		[]string{"192.168.1.0/24", "10.0.0.0/8", "bogus"},
		[]string{"192.168.1.100", "300.1.1.1"},
	)

	if len(rejected) != 2 || rejected[0] != "bogus" || rejected[1] != "300.1.1.1" {
		t.Fatalf("rejected=%v", rejected)
	}
	if a.HasRule("1.2.3.4") {
		t.Fatal("LoadRules should clear existing rules")
	}
	if !a.IsAllowed("192.168.1.50") || !a.IsAllowed("10.0.0.1") {
		t.Fatal("allowed networks not loaded")
	}
	if a.IsAllowed("192.168.1.100") {
		t.Fatal("denied host not loaded")
	}
}

func TestAccessList_Configure(t *testing.T) {
	a := New()
	rejected, err := a.Configure(&config.ACLConfig{
		DefaultAction: "deny",
		RuleOrder:     config.OrderLeastSpecificFirst,
		Allowed:       []string{"10.0.0.0/8"},
		Denied:        []string{"10.0.0.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 0 {
		t.Fatalf("rejected=%v", rejected)
	}
	if a.DefaultAction() != Deny {
		t.Fatal("default action not applied")
	}
	if !a.IsAllowed("10.0.0.1") {
		t.Fatal("least-specific-first order not applied")
	}
	if a.IsAllowed("11.0.0.1") {
		t.Fatal("default deny not applied")
	}

	if _, err := a.Configure(&config.ACLConfig{DefaultAction: "maybe"}); err == nil {
		t.Fatal("expected error for bad action")
	}
	if !a.HasRule("10.0.0.0/8") {
		t.Fatal("failed Configure must not touch the table")
	}
}

func TestAccessList_InvalidClientAddressUsesDefault(t *testing.T) {
	a := New()
	a.Add(Deny, "0.0.0.0/0", "")
	if !a.IsAllowed("::1") {
		t.Fatal("non-IPv4 client should fall through to the default")
	}
	a.SetDefaultAction(Deny)
	if a.IsAllowed("not-an-ip") {
		t.Fatal("default deny should apply")
	}
}

func TestAccessList_ConcurrentUse(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				network := fmt.Sprintf("10.%d.%d.0/24", i, j)
				a.Add(Deny, network, "")
				a.IsAllowed(fmt.Sprintf("10.%d.%d.1", i, j))
				_ = a.Rules()
			}
		}(i)
	}
	wg.Wait()

	if n := len(a.Rules()); n != 800 {
		t.Fatalf("rules=%d want 800", n)
	}
}
