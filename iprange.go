package camaudit

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIPv4 converts a dotted quad into its unsigned 32-bit form, rejecting
// anything that is not exactly four in-range octets.
func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || p == "" || n < 0 || n > 255 {
			return 0, fmt.Errorf("invalid IPv4 octet %q in %q", p, s)
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}

func formatIPv4(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>24&0xff, v>>16&0xff, v>>8&0xff, v&0xff)
}

// ExpandCIDR expands a.b.c.d/n into all host addresses strictly between the
// network and broadcast addresses, in ascending order.
func ExpandCIDR(cidr string) ([]string, error) {
	network, broadcast, err := cidrBounds(cidr)
	if err != nil {
		return nil, err
	}
	if broadcast <= network+1 {
		return nil, nil
	}
	out := make([]string, 0, broadcast-network-1)
	for v := network + 1; v < broadcast; v++ {
		out = append(out, formatIPv4(v))
	}
	return out, nil
}

// CIDRHostCount returns the number of addresses ExpandCIDR would produce,
// without materializing them.
func CIDRHostCount(cidr string) (int64, error) {
	_, _, err := cidrBounds(cidr)
	if err != nil {
		return 0, err
	}
	_, prefix, _ := strings.Cut(cidr, "/")
	n, _ := strconv.Atoi(prefix)
	c := int64(1)<<(32-uint(n)) - 2
	if c < 0 {
		c = 0
	}
	return c, nil
}

func cidrBounds(cidr string) (network, broadcast uint32, err error) {
	addr, prefix, ok := strings.Cut(cidr, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid CIDR %q: missing prefix length", cidr)
	}
	ip, err := parseIPv4(addr)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return 0, 0, fmt.Errorf("invalid CIDR prefix length %q", prefix)
	}
	var mask uint32
	if n > 0 {
		mask = ^uint32(0) << uint(32-n)
	}
	network = ip & mask
	broadcast = network | ^mask
	return network, broadcast, nil
}

// ExpandRange expands an inclusive start..end address pair in ascending
// order. Fails when either address is malformed or start > end.
func ExpandRange(start, end string) ([]string, error) {
	lo, hi, err := rangeBounds(start, end)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, hi-lo+1)
	for v := lo; ; v++ {
		out = append(out, formatIPv4(v))
		if v == hi {
			break
		}
	}
	return out, nil
}

// RangeHostCount returns the number of addresses ExpandRange would produce.
func RangeHostCount(start, end string) (int64, error) {
	lo, hi, err := rangeBounds(start, end)
	if err != nil {
		return 0, err
	}
	return int64(hi) - int64(lo) + 1, nil
}

func rangeBounds(start, end string) (uint32, uint32, error) {
	lo, err := parseIPv4(start)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseIPv4(end)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range start %s is greater than end %s", start, end)
	}
	return lo, hi, nil
}
