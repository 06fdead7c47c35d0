package acl

import (
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
)

// ParseCIDR parses "a.b.c.d" or "a.b.c.d/n" into a host-order network
// address and mask. A bare address is treated as /32.
func ParseCIDR(cidr string) (network, mask uint32, ok bool) {
	addr, prefix, found := strings.Cut(cidr, "/")

	network, ok = IPToUint32(addr)
	if !ok {
		return 0, 0, false
	}

	n := 32
	if found {
		// strconv.Atoi alone would accept "+8" and "08"
		if prefix == "" || len(prefix) > 2 || strings.TrimLeft(prefix, "0123456789") != "" {
			return 0, 0, false
		}
		if len(prefix) == 2 && prefix[0] == '0' {
			return 0, 0, false
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v < 0 || v > 32 {
			return 0, 0, false
		}
		n = v
	}

	return network, prefixMask(n), true
}

// IsValidCIDR reports whether ParseCIDR accepts cidr.
func IsValidCIDR(cidr string) bool {
	_, _, ok := ParseCIDR(cidr)
	return ok
}

// IPToUint32 converts a dotted-quad IPv4 address to a host-order integer.
func IPToUint32(ip string) (uint32, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

func Uint32ToIP(ip uint32) string {
	return netip.AddrFrom4([4]byte{
		byte(ip >> 24),
		byte(ip >> 16),
		byte(ip >> 8),
		byte(ip),
	}).String()
}

// Contains reports whether ip falls inside cidr. Malformed input never matches.
func Contains(ip, cidr string) bool {
	network, mask, ok := ParseCIDR(cidr)
	if !ok {
		return false
	}
	addr, ok := IPToUint32(ip)
	if !ok {
		return false
	}
	return matches(addr, network, mask)
}

func matches(ip, network, mask uint32) bool {
	return ip&mask == network&mask
}

func prefixMask(n int) uint32 {
	if n == 0 {
		return 0
	}
	return ^uint32(0) << (32 - n)
}

func prefixLen(mask uint32) int {
	return bits.OnesCount32(mask)
}
