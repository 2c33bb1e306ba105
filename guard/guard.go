// Package guard validates untrusted inputs at the service boundary:
// identifier shape for page, widget, and session IDs, spill path
// containment, webhook URL safety, and bounded response reads.
package guard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxIdentifierLen caps page, widget, and session identifiers.
const MaxIdentifierLen = 128

var (
	// ErrPathTraversal reports a name that would escape its base directory.
	ErrPathTraversal = errors.New("guard: path escapes its base directory")

	// ErrPrivateAddress reports a URL pointing at a private, loopback, or
	// link-local address.
	ErrPrivateAddress = errors.New("guard: URL resolves to a private or loopback address")

	// ErrUnsafeScheme reports a URL scheme other than http or https.
	ErrUnsafeScheme = errors.New("guard: only http and https URLs are allowed")

	// ErrBodyTooLarge reports a reader holding more than the read limit.
	ErrBodyTooLarge = errors.New("guard: body exceeds read limit")
)

// Identifier checks that s is safe to use as a page, widget, or session
// identifier in SQL rows, cache keys, file names, and URL path segments.
// Allowed: ASCII letters, digits, underscore, hyphen, and dot.
func Identifier(s string) error {
	if s == "" {
		return errors.New("guard: empty identifier")
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("guard: identifier longer than %d bytes", MaxIdentifierLen)
	}
	if i := strings.IndexFunc(s, notIdentRune); i >= 0 {
		r, _ := utf8.DecodeRuneInString(s[i:])
		return fmt.Errorf("guard: identifier contains %q", r)
	}
	return nil
}

func notIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '_', r == '-', r == '.':
		return false
	}
	return true
}

// Path joins name onto base and rejects anything that could land outside
// base: absolute names, parent references, and empty names.
func Path(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || !filepath.IsLocal(name) {
		return "", ErrPathTraversal
	}
	return filepath.Join(base, name), nil
}

// URL checks that raw parses as http or https and does not point at a
// private or loopback address. Hostnames are resolved so an internal DNS
// name cannot smuggle a private target; resolution failures pass since
// the dial will surface them anyway.
func URL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("guard: parse URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("guard: URL has no host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return ErrPrivateAddress
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && isPrivate(addr) {
			return ErrPrivateAddress
		}
	}
	return nil
}

// LimitedReadAll reads from r until EOF or max bytes, reporting
// ErrBodyTooLarge when the reader holds more than max.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, max)
	}
	return data, nil
}

// RFC 1918, CGNAT, and ULA ranges. Loopback and link-local are covered by
// the netip.Addr methods.
var privateNets = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privateNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
