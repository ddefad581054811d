package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type staticResolver map[string][]string

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	addrs := make([]netip.Addr, len(raw))
	for i, s := range raw {
		addrs[i] = netip.MustParseAddr(s)
	}
	return addrs, nil
}

func TestValidateWebhookURL(t *testing.T) {
	resolver := staticResolver{
		"alerts.example.com":   {"93.184.216.34"},
		"internal.example.com": {"93.184.216.34", "10.0.0.7"},
	}

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://alerts.example.com/hook", false},
		{"http://93.184.216.34:8443/hook", false},
		{"ftp://alerts.example.com/hook", true},
		{"https:///hook", true},
		{"https://localhost/hook", true},
		{"https://METADATA.GOOGLE.INTERNAL/", true},
		{"http://127.0.0.1/hook", true},
		{"http://[::1]/hook", true},
		{"http://[::ffff:192.168.1.1]/hook", true},
		{"http://169.254.169.254/latest", true},
		{"http://0.0.0.0/", true},
		{"https://internal.example.com/hook", true},
		{"https://unknown.example.com/hook", true},
		{"::not a url", true},
	}
	for _, tt := range tests {
		err := ValidateWebhookURL(context.Background(), tt.url, resolver)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateWebhookURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestCheckWebhookURLSyntax_SkipsDNS(t *testing.T) {
	if err := CheckWebhookURLSyntax("https://does-not-resolve.invalid/hook"); err != nil {
		t.Errorf("syntax check should not resolve hosts: %v", err)
	}
	if err := CheckWebhookURLSyntax("https://localhost/hook"); err == nil {
		t.Error("localhost should be rejected")
	}
}
