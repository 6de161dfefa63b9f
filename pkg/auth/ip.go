package auth

import (
	"net"
	"net/netip"
	"strings"
)

// ReadBearerToken extracts the token of an "Authorization: Bearer <token>"
// header value. It returns "" when the value is absent or malformed.
func ReadBearerToken(header string) string {
	parts := strings.Split(strings.TrimSpace(header), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// ClientIP resolves the caller address: the first X-Forwarded-For entry
// when present, else the host of the transport peer address.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IPAllowed reports whether ip matches one of the allowlist entries. An
// entry is an exact address or a CIDR block, IPv4 or IPv6; IPv4-mapped
// IPv6 addresses compare as IPv4. Entries that do not parse never match.
func IPAllowed(ip string, allowed []string) bool {
	addr, ok := parseAddr(ip)
	if !ok {
		return false
	}
	for _, raw := range allowed {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
				prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		if other, ok := parseAddr(entry); ok && other == addr {
			return true
		}
	}
	return false
}
