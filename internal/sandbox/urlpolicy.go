package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URLPolicy decides which URLs web.fetch may touch. The zero value blocks
// private address space but allows every public host and port.
type URLPolicy struct {
	AllowedDomains []string
	AllowedPorts   []int
	BlockedPorts   []int

	// LookupIP overrides DNS resolution in tests.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// Check validates a URL against scheme, host, address-space, domain, and
// port rules. DNS is resolved so a public name cannot front a private
// address.
func (p *URLPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host %q not allowed", host)
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("address %s is in a private range", ip)
		}
	} else {
		lookup := p.LookupIP
		if lookup == nil {
			lookup = func(ctx context.Context, host string) ([]net.IP, error) {
				addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
				if err != nil {
					return nil, err
				}
				ips := make([]net.IP, len(addrs))
				for i, a := range addrs {
					ips[i] = a.IP
				}
				return ips, nil
			}
		}
		ips, err := lookup(ctx, host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return fmt.Errorf("host %s resolves to private address %s", host, ip)
			}
		}
	}

	if len(p.AllowedDomains) > 0 && !domainAllowed(host, p.AllowedDomains) {
		return fmt.Errorf("domain %q not in allowlist", host)
	}

	port := portOf(u)
	for _, blocked := range p.BlockedPorts {
		if port == blocked {
			return fmt.Errorf("port %d is blocked", port)
		}
	}
	if len(p.AllowedPorts) > 0 {
		allowed := false
		for _, a := range p.AllowedPorts {
			if port == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("port %d not in allowlist", port)
		}
	}
	return nil
}

func portOf(u *url.URL) int {
	if ps := u.Port(); ps != "" {
		if p, err := strconv.Atoi(ps); err == nil {
			return p
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// domainAllowed matches exact names and subdomains of allowlisted names.
func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

var privateV4Blocks = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

var privateV6Blocks = []string{
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
}

var privateNets []*net.IPNet

func init() {
	for _, cidr := range append(append([]string{}, privateV4Blocks...), privateV6Blocks...) {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		privateNets = append(privateNets, n)
	}
}

// isPrivateIP reports whether an address sits in loopback, private,
// link-local, or CGNAT space. IPv4-mapped IPv6 addresses are unwrapped
// first.
func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
