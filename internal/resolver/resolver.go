// Package resolver implements SSRF-safe DNS resolution for fetchd.
// Hostnames are resolved with every CNAME hop and every returned address
// validated against the outbound host policy before any connection is made.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/policy"
)

// DefaultTimeout bounds each individual DNS operation.
const DefaultTimeout = 5 * time.Second

// DefaultMaxCNAMEDepth bounds the CNAME chase.
const DefaultMaxCNAMEDepth = 5

// Lookup is the subset of net.Resolver the resolver depends on. Tests
// substitute a fake; production wiring uses net.DefaultResolver.
type Lookup interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolver resolves hostnames to a single validated address.
type Resolver struct {
	Policy        *policy.HostPolicy
	Lookup        Lookup        // nil uses net.DefaultResolver
	Timeout       time.Duration // 0 uses DefaultTimeout
	MaxCNAMEDepth int           // 0 uses DefaultMaxCNAMEDepth
}

// ResolveAndValidate resolves host to the first address that passes the
// host policy. Literal IPs are validated directly. The CNAME chain is
// walked first and any blocked intermediate name aborts the resolution;
// then every A/AAAA answer is checked, so a single blocked address rejects
// the host. Caller cancellation surfaces as the canceled taxonomy entry.
func (r *Resolver) ResolveAndValidate(ctx context.Context, host string) (netip.Addr, error) {
	canonical := policy.CanonicalHost(host)
	if canonical == "" {
		return netip.Addr{}, fetch.Invalid(host, "empty host")
	}

	// Literal IPs skip DNS entirely.
	if addr, ok := policy.ParseIP(canonical); ok {
		if r.Policy.MetadataIP(addr) {
			return netip.Addr{}, fetch.Blocked(host, fmt.Sprintf("blocked IP range: %s (cloud metadata)", addr))
		}
		if r.Policy.BlockedIP(addr) {
			return netip.Addr{}, fetch.Blocked(host, fmt.Sprintf("blocked IP range: %s", addr))
		}
		return addr, nil
	}

	if !validHostname(canonical) {
		return netip.Addr{}, fetch.Invalid(host, fmt.Sprintf("invalid hostname: %q", host))
	}
	if r.Policy.BlockedHost(canonical) {
		return netip.Addr{}, fetch.Blocked(host, fmt.Sprintf("blocked host: %s", canonical))
	}

	if err := r.walkCNAMEs(ctx, canonical); err != nil {
		return netip.Addr{}, err
	}

	addrs, err := r.lookupAddrs(ctx, canonical)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fetch.NoData(host, fmt.Sprintf("no address records for host: %s", canonical))
	}

	for _, addr := range addrs {
		a := addr.WithZone("").Unmap()
		if r.Policy.MetadataIP(a) {
			return netip.Addr{}, fetch.Blocked(host, fmt.Sprintf("blocked IP range: %s (cloud metadata)", a))
		}
		if r.Policy.BlockedIP(a) {
			return netip.Addr{}, fetch.Blocked(host, fmt.Sprintf("blocked IP range: %s", a))
		}
	}
	return addrs[0].WithZone("").Unmap(), nil
}

// walkCNAMEs follows the CNAME chain up to the depth limit, validating
// every intermediate name. NXDOMAIN/NODATA means "no CNAME" and stops the
// walk; any other lookup failure is logged and likewise treated as no
// CNAME. A seen-set stops cycles.
func (r *Resolver) walkCNAMEs(ctx context.Context, host string) error {
	maxDepth := r.MaxCNAMEDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCNAMEDepth
	}

	seen := map[string]struct{}{host: {}}
	current := host
	for depth := 0; depth < maxDepth; depth++ {
		target, err := r.lookupOneCNAME(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return fetch.Canceled(host)
			}
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				slog.WarnContext(ctx, "cname lookup failed, continuing without cname",
					"host", current, "error", err)
			}
			return nil
		}
		target = policy.CanonicalHost(target)
		if target == "" || target == current {
			return nil
		}
		if _, dup := seen[target]; dup {
			return nil
		}
		seen[target] = struct{}{}
		if r.Policy.BlockedHost(target) || r.Policy.MetadataHost(target) {
			return fetch.Blocked(host, fmt.Sprintf("blocked CNAME target: %s", target))
		}
		current = target
	}
	return nil
}

func (r *Resolver) lookupOneCNAME(ctx context.Context, host string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return r.lookup().LookupCNAME(opCtx, host)
}

// lookupAddrs resolves A/AAAA records with the per-operation timeout,
// mapping failures onto the taxonomy: caller cancel, DNS timeout, no data.
func (r *Resolver) lookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	addrs, err := r.lookup().LookupNetIP(opCtx, "ip", host)
	if err == nil {
		return addrs, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, fetch.Canceled(host)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return nil, fetch.NoData(host, fmt.Sprintf("no such host: %s", host))
		case dnsErr.IsTimeout:
			return nil, fetch.Timeout(host)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return nil, fetch.Timeout(host)
	}
	return nil, fetch.Network(host, err)
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Resolver) lookup() Lookup {
	if r.Lookup != nil {
		return r.Lookup
	}
	return net.DefaultResolver
}

// validHostname filters names that cannot be DNS hostnames before any
// lookup runs. Underscores are tolerated; they occur in real records.
func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
