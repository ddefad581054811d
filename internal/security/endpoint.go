package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// blockedHosts are names that always point back into the deployment.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateWebhookURL checks that an outbound alert target is an absolute
// http(s) URL that does not reach loopback, private, link-local or
// unspecified addresses. Host names are resolved and every address checked.
func ValidateWebhookURL(ctx context.Context, rawURL string, resolver Resolver) error {
	if err := CheckWebhookURLSyntax(rawURL); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	host := u.Hostname()

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve webhook host %s", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("webhook host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

// CheckWebhookURLSyntax validates the URL shape without touching DNS, for
// use at configuration time.
func CheckWebhookURLSyntax(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL %q", rawURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	if blockedHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("webhook host %q is not allowed", u.Hostname())
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
