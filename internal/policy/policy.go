// Package policy defines the outbound host policy for fetchd: the CIDR
// block-lists, blocked host literals, blocked DNS suffixes, and cloud
// metadata endpoints that the fetch pipeline must never reach.
//
// A HostPolicy is built once at startup and never mutated afterwards, so it
// is safe to share across goroutines without locking.
package policy

import (
	"net/netip"
	"strings"
)

// blockedV4Ranges are the IPv4 ranges outbound fetches may not target.
var blockedV4Ranges = []string{
	"0.0.0.0/8",      // "this network"
	"10.0.0.0/8",     // RFC 1918
	"100.64.0.0/10",  // CGNAT
	"127.0.0.0/8",    // loopback
	"169.254.0.0/16", // link-local
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
}

// blockedV6Ranges are the IPv6 ranges outbound fetches may not target.
// IPv4-mapped addresses are unmapped before classification, so ::ffff:0:0/96
// is covered by the IPv4 list.
var blockedV6Ranges = []string{
	"::1/128",        // loopback
	"::/128",         // unspecified
	"64:ff9b::/96",   // NAT64 well-known prefix
	"64:ff9b:1::/48", // NAT64 local-use prefix
	"2001::/32",      // Teredo
	"2001:db8::/32",  // documentation
	"2002::/16",      // 6to4
	"fc00::/7",       // unique local
	"fe80::/10",      // link-local
	"ff00::/8",       // multicast
}

// blockedHostLiterals are hostnames rejected outright. These are exempt when
// local fetches are allowed; metadata hosts never are.
var blockedHostLiterals = []string{
	"localhost",
	"0.0.0.0",
	"127.0.0.1",
	"::1",
}

// blockedSuffixes are DNS suffixes that only appear on internal networks.
var blockedSuffixes = []string{
	".local",
	".internal",
}

// metadataHosts are cloud metadata service hostnames. Always blocked.
var metadataHosts = []string{
	"metadata.google.internal",
	"instance-data",
}

// metadataIPs are cloud metadata service addresses (AWS/GCP link-local,
// Alibaba, AWS IMDSv6). Always blocked, even when the surrounding range is
// permitted by ALLOW_LOCAL_FETCH.
var metadataIPs = []string{
	"169.254.169.254",
	"100.100.100.200",
	"fd00:ec2::254",
}

// HostPolicy classifies hosts and IPs for the SSRF guard. The zero value is
// not usable; construct with Default.
type HostPolicy struct {
	// AllowLocal permits private and special-use ranges (set from
	// ALLOW_LOCAL_FETCH). Cloud metadata endpoints remain blocked.
	AllowLocal bool

	blockedV4    []netip.Prefix
	blockedV6    []netip.Prefix
	blockedHosts map[string]struct{}
	suffixes     []string
	metaHosts    map[string]struct{}
	metaAddrs    map[netip.Addr]struct{}
}

// Default builds the standard host policy.
func Default(allowLocal bool) *HostPolicy {
	p := &HostPolicy{
		AllowLocal:   allowLocal,
		blockedHosts: make(map[string]struct{}, len(blockedHostLiterals)),
		suffixes:     blockedSuffixes,
		metaHosts:    make(map[string]struct{}, len(metadataHosts)),
		metaAddrs:    make(map[netip.Addr]struct{}, len(metadataIPs)),
	}
	for _, cidr := range blockedV4Ranges {
		p.blockedV4 = append(p.blockedV4, netip.MustParsePrefix(cidr))
	}
	for _, cidr := range blockedV6Ranges {
		p.blockedV6 = append(p.blockedV6, netip.MustParsePrefix(cidr))
	}
	for _, h := range blockedHostLiterals {
		p.blockedHosts[h] = struct{}{}
	}
	for _, h := range metadataHosts {
		p.metaHosts[h] = struct{}{}
	}
	for _, ip := range metadataIPs {
		p.metaAddrs[netip.MustParseAddr(ip)] = struct{}{}
	}
	return p
}

// CanonicalHost lowercases a hostname, trims whitespace, strips IPv6
// brackets, and removes trailing dots. "Example.COM." and "example.com"
// canonicalize identically.
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	for strings.HasSuffix(host, ".") {
		host = strings.TrimSuffix(host, ".")
	}
	return host
}

// ParseIP parses an IP literal, stripping any IPv6 zone and collapsing
// IPv4-mapped IPv6 (::ffff:A.B.C.D) to the embedded IPv4 address.
// Returns false for empty or non-IP input.
func ParseIP(literal string) (netip.Addr, bool) {
	literal = CanonicalHost(literal)
	if literal == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(literal)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// MetadataIP reports whether addr is a cloud metadata service address.
func (p *HostPolicy) MetadataIP(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	_, ok := p.metaAddrs[addr.WithZone("").Unmap()]
	return ok
}

// MetadataHost reports whether host names a cloud metadata service, either
// by hostname or by IP literal.
func (p *HostPolicy) MetadataHost(host string) bool {
	host = CanonicalHost(host)
	if host == "" {
		return false
	}
	if _, ok := p.metaHosts[host]; ok {
		return true
	}
	if addr, ok := ParseIP(host); ok {
		return p.MetadataIP(addr)
	}
	return false
}

// BlockedIP reports whether addr may not be dialed. Metadata addresses are
// always blocked; private and special-use ranges are blocked unless
// AllowLocal is set.
func (p *HostPolicy) BlockedIP(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.WithZone("").Unmap()
	if p.MetadataIP(addr) {
		return true
	}
	if p.AllowLocal {
		return false
	}
	ranges := p.blockedV4
	if addr.Is6() {
		ranges = p.blockedV6
	}
	for _, pfx := range ranges {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// BlockedHost reports whether a hostname is rejected by the literal
// block-list or a blocked suffix. Metadata hosts are always blocked; other
// literals and suffixes are exempt under AllowLocal. IP-literal hosts are
// classified through BlockedIP.
func (p *HostPolicy) BlockedHost(host string) bool {
	host = CanonicalHost(host)
	if host == "" {
		return false
	}
	if p.MetadataHost(host) {
		return true
	}
	if addr, ok := ParseIP(host); ok {
		return p.BlockedIP(addr)
	}
	if p.AllowLocal {
		return false
	}
	if _, ok := p.blockedHosts[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
