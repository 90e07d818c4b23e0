package camaudit

import (
	"strings"
	"testing"
)

func TestExpandCIDR(t *testing.T) {
	addrs, err := ExpandCIDR("192.168.1.0/29")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	want := []string{
		"192.168.1.1", "192.168.1.2", "192.168.1.3",
		"192.168.1.4", "192.168.1.5", "192.168.1.6",
	}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, addrs[i], want[i])
		}
	}
}

func TestExpandCIDRExcludesNetworkAndBroadcast(t *testing.T) {
	addrs, err := ExpandCIDR("10.0.0.128/25")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	if len(addrs) != 126 {
		t.Fatalf("got %d addresses, want 126", len(addrs))
	}
	for _, a := range addrs {
		if a == "10.0.0.128" || a == "10.0.0.255" {
			t.Errorf("expansion contains excluded address %s", a)
		}
	}
}

func TestExpandCIDRAscending(t *testing.T) {
	addrs, err := ExpandCIDR("172.16.4.0/24")
	if err != nil {
		t.Fatalf("ExpandCIDR: %v", err)
	}
	if len(addrs) != 254 {
		t.Fatalf("got %d addresses, want 254", len(addrs))
	}
	prev, _ := parseIPv4(addrs[0])
	for _, a := range addrs[1:] {
		v, err := parseIPv4(a)
		if err != nil {
			t.Fatalf("produced invalid address %q", a)
		}
		if v <= prev {
			t.Fatalf("addresses not strictly ascending around %s", a)
		}
		prev = v
	}
}

func TestExpandCIDRValidation(t *testing.T) {
	for _, bad := range []string{
		"192.168.1.0",       // no prefix
		"192.168.1.256/24",  // octet out of range
		"192.168.1/24",      // too few octets
		"192.168.1.0/33",    // prefix too long
		"192.168.1.0/-1",    // negative prefix
		"192.168.1.0/abc",   // non-numeric prefix
		"a.b.c.d/24",        // garbage octets
		"192.168..0/24",     // empty octet
		"192.168.1.0/24/24", // double prefix
	} {
		if _, err := ExpandCIDR(bad); err == nil {
			t.Errorf("ExpandCIDR(%q) succeeded, want error", bad)
		}
	}
}

func TestCIDRHostCount(t *testing.T) {
	cases := []struct {
		cidr string
		want int64
	}{
		{"192.168.1.0/24", 254},
		{"10.0.0.0/29", 6},
		{"10.0.0.0/16", 65534},
		{"10.0.0.0/31", 0},
		{"10.0.0.1/32", 0},
	}
	for _, c := range cases {
		got, err := CIDRHostCount(c.cidr)
		if err != nil {
			t.Errorf("CIDRHostCount(%q): %v", c.cidr, err)
			continue
		}
		if got != c.want {
			t.Errorf("CIDRHostCount(%q) = %d, want %d", c.cidr, got, c.want)
		}
	}
}

func TestExpandRange(t *testing.T) {
	addrs, err := ExpandRange("192.168.1.250", "192.168.2.3")
	if err != nil {
		t.Fatalf("ExpandRange: %v", err)
	}
	want := []string{
		"192.168.1.250", "192.168.1.251", "192.168.1.252", "192.168.1.253",
		"192.168.1.254", "192.168.1.255", "192.168.2.0", "192.168.2.1",
		"192.168.2.2", "192.168.2.3",
	}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, addrs[i], want[i])
		}
	}
}

func TestExpandRangeSingleAddress(t *testing.T) {
	addrs, err := ExpandRange("10.1.2.3", "10.1.2.3")
	if err != nil {
		t.Fatalf("ExpandRange: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.1.2.3" {
		t.Fatalf("got %v, want exactly [10.1.2.3]", addrs)
	}
}

func TestExpandRangeStartAfterEnd(t *testing.T) {
	_, err := ExpandRange("192.168.1.10", "192.168.1.5")
	if err == nil {
		t.Fatal("ExpandRange with start > end succeeded, want error")
	}
	if !strings.Contains(err.Error(), "greater than") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRangeHostCount(t *testing.T) {
	got, err := RangeHostCount("10.0.0.1", "10.0.1.0")
	if err != nil {
		t.Fatalf("RangeHostCount: %v", err)
	}
	if got != 256 {
		t.Fatalf("got %d, want 256", got)
	}
	if _, err := RangeHostCount("10.0.0.2", "10.0.0.1"); err == nil {
		t.Fatal("start > end succeeded, want error")
	}
}
