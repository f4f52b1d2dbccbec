package gate

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// loopback forms that must all match an allow-list entry of 127.0.0.1.
var loopbackForms = map[string]bool{
	"127.0.0.1":        true,
	"::1":              true,
	"::ffff:127.0.0.1": true,
}

// MatchIP reports whether clientIP matches pattern. A pattern is either an
// exact IPv4/IPv6 literal or a CIDR block (network/prefixLength). Unparseable
// patterns never match.
func MatchIP(clientIP, pattern string) bool {
	clientIP = strings.TrimSpace(clientIP)
	pattern = strings.TrimSpace(pattern)
	if clientIP == "" || pattern == "" {
		return false
	}

	if !strings.Contains(pattern, "/") {
		if clientIP == pattern {
			return true
		}
		// 127.0.0.1 in the allow-list also covers the IPv6 loopback forms.
		if loopbackForms[pattern] && loopbackForms[clientIP] {
			return true
		}
		ip := net.ParseIP(clientIP)
		patternIP := net.ParseIP(pattern)
		return ip != nil && patternIP != nil && ip.Equal(patternIP)
	}

	return matchCIDR(clientIP, pattern)
}

func matchCIDR(clientIP, pattern string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		if ok, matched := matchCIDRv4(v4, pattern); ok {
			return matched
		}
	}

	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		log.Warn().Str("pattern", pattern).Msg("Unparseable CIDR entry in IP allow-list, treating as non-matching")
		return false
	}
	return network.Contains(ip)
}

// matchCIDRv4 compares the client address and the network address as 32-bit
// integers under the prefix mask. The first return value reports whether the
// pattern was a usable IPv4 CIDR.
func matchCIDRv4(clientIP net.IP, pattern string) (ok, matched bool) {
	netPart, prefixPart, found := strings.Cut(pattern, "/")
	if !found {
		return false, false
	}
	networkIP := net.ParseIP(netPart)
	if networkIP == nil || networkIP.To4() == nil {
		return false, false
	}
	prefixLength, err := strconv.Atoi(prefixPart)
	if err != nil || prefixLength < 0 || prefixLength > 32 {
		return false, false
	}

	var mask uint32 = 0xFFFFFFFF
	if prefixLength < 32 {
		mask = 0xFFFFFFFF << (32 - prefixLength)
	}
	if prefixLength == 0 {
		mask = 0
	}

	clientInt := binary.BigEndian.Uint32(clientIP.To4())
	networkInt := binary.BigEndian.Uint32(networkIP.To4())

	return true, clientInt&mask == networkInt&mask
}

// Allowlist is the configured set of allowed origins for privileged
// endpoints. An empty allow-list allows every caller.
type Allowlist struct {
	patterns []string
}

func NewAllowlist(patterns []string) *Allowlist {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Allowlist{patterns: cleaned}
}

// Allowed reports whether clientIP may reach a gated endpoint.
func (a *Allowlist) Allowed(clientIP string) bool {
	if len(a.patterns) == 0 {
		return true
	}
	for _, pattern := range a.patterns {
		if MatchIP(clientIP, pattern) {
			return true
		}
	}
	return false
}
