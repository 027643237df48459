// Package security guards outbound HTTP requests made on behalf of the model.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrURLBlocked is returned for URLs or addresses that must not be fetched.
var ErrURLBlocked = errors.New("url blocked")

// blockedPrefixes lists private, loopback, link-local and otherwise reserved
// ranges.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivateAddr reports whether addr falls into a blocked range. IPv4-mapped
// IPv6 addresses are checked as IPv4.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckURL rejects non-HTTP schemes, empty hosts and literal private
// addresses. Hostnames are checked when dialing, see NewSafeTransport.
func CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrURLBlocked, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return fmt.Errorf("%w: missing scheme, only http and https are allowed", ErrURLBlocked)
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrURLBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrURLBlocked)
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(addr) {
		return fmt.Errorf("%w: %s is a private address", ErrURLBlocked, addr)
	}
	return nil
}

// dialControl runs after name resolution and before connect, so it sees the
// exact address being dialed.
func dialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable address %q", ErrURLBlocked, address)
	}
	if IsPrivateAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s is a private address", ErrURLBlocked, ap.Addr())
	}
	return nil
}

// NewSafeTransport returns a transport that refuses to connect to private
// addresses, whatever a hostname resolves to at dial time.
func NewSafeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
