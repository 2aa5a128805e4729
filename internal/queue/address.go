package queue

import (
	"net"
	"strings"
)

var privateNets = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustCIDRs(list ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(list))
	for _, cidr := range list {
		_, c, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		out = append(out, c)
	}
	return out
}

// HostIP extracts the IP from "host:port" or a bare address.
func HostIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// IsPublic reports whether addr is routable on the Internet. Unparsable
// addresses count as public.
func IsPublic(addr string) bool {
	ip := HostIP(addr)
	if ip == nil {
		return true
	}
	return !isPrivate(ip)
}

func isPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	for _, c := range privateNets {
		if c.Contains(ip) {
			return true
		}
	}
	return false
}

// ipMatches checks ip against allow-list rules: CIDR blocks, single
// addresses, "localhost" and "@local" for any private address.
func ipMatches(ip net.IP, rules []string) bool {
	if ip == nil || len(rules) == 0 {
		return false
	}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		switch strings.ToLower(r) {
		case "localhost":
			if ip.IsLoopback() {
				return true
			}
		case "@local":
			if isPrivate(ip) {
				return true
			}
		case "*", "all":
			return true
		default:
			if strings.Contains(r, "/") {
				if _, cidr, err := net.ParseCIDR(r); err == nil && cidr.Contains(ip) {
					return true
				}
			} else if ip.Equal(net.ParseIP(r)) {
				return true
			}
		}
	}
	return false
}
