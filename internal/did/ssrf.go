package did

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// CheckHost validates a hostname before DNS resolution. Raw IPv6 literals are
// rejected outright; raw IPv4 literals are checked against the blocklist.
func CheckHost(host string) error {
	if strings.Contains(host, ":") || strings.HasPrefix(host, "[") {
		return fmt.Errorf("raw IPv6 literal %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

// cgnat is the carrier-grade NAT range 100.64.0.0/10 (RFC 6598), which
// net.IP.IsPrivate does not cover.
var cgnat = net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// checkIP rejects addresses in non-routable or internal ranges. Applied both
// to literal hosts and to every resolved address, so DNS rebinding onto an
// internal address fails at dial time.
func checkIP(ip net.IP) error {
	// An IPv4-mapped IPv6 address normalises to its IPv4 form here and is
	// checked under the IPv4 rules.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsUnspecified():
		return fmt.Errorf("address %s is unspecified", ip)
	case ip.IsLoopback():
		return fmt.Errorf("address %s is loopback", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("address %s is link-local", ip)
	case ip.IsPrivate():
		return fmt.Errorf("address %s is private", ip)
	case cgnat.Contains(ip):
		return fmt.Errorf("address %s is in the CGNAT range", ip)
	case ip.IsMulticast():
		return fmt.Errorf("address %s is multicast", ip)
	}
	return nil
}

// safeDialContext resolves the host, verifies every returned address against
// the blocklist, and dials the first allowed one. TLS verification still uses
// the original hostname.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if err := CheckHost(host); err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	var dialErr error
	d := net.Dialer{}
	for _, ipa := range ips {
		if err := checkIP(ipa.IP); err != nil {
			dialErr = err
			continue
		}
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ipa.IP.String(), port))
		if err != nil {
			dialErr = err
			continue
		}
		return conn, nil
	}
	if dialErr == nil {
		dialErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, dialErr
}
