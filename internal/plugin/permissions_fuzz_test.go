package plugin

import (
	"errors"
	"testing"

	"warden/internal/domain"
)

// FuzzCapabilityPolicy exercises the allow/deny policy with arbitrary
// capability names. It verifies the check never panics and any rejection
// wraps ErrCapabilityRejected.
func FuzzCapabilityPolicy(f *testing.F) {
	seeds := []struct {
		capability string
		allow      string
		deny       string
	}{
		{"filesystem", "filesystem", ""},
		{"network", "", "network"},
		{"", "", ""},
		{"env", "env", "env"},
		{"../../../etc/passwd", "", ""},
		{"env\x00network", "", ""},
		{"capability\ninjected: true", "", ""},
		{"NETWORK", "network", ""},
	}
	for _, s := range seeds {
		f.Add(s.capability, s.allow, s.deny)
	}

	f.Fuzz(func(t *testing.T, capability, allow, deny string) {
		md := domain.PluginMetadata{
			Name:         "fuzz-plugin",
			Capabilities: []domain.Capability{domain.Capability(capability)},
		}
		var p CapabilityPolicy
		if allow != "" {
			p.Allow = []domain.Capability{domain.Capability(allow)}
		}
		if deny != "" {
			p.Deny = []domain.Capability{domain.Capability(deny)}
		}

		err := p.Check(md)
		if err != nil && !errors.Is(err, domain.ErrCapabilityRejected) {
			t.Fatalf("unexpected error kind: %v", err)
		}
		if deny != "" && capability == deny && err == nil {
			t.Fatalf("denied capability %q accepted", capability)
		}
	})
}

// FuzzValidatePermissions verifies host and directory allow-lists never
// panic the validator and any rejection wraps ErrInvalidInput.
func FuzzValidatePermissions(f *testing.F) {
	for _, s := range []string{"example.com", "*.example.com", "*", "", "http://x", "a*b", "*.*.x", "[::1]"} {
		f.Add(s, "/srv/data")
	}
	f.Add("example.com", "relative/dir")

	f.Fuzz(func(t *testing.T, host, dir string) {
		perms := domain.PluginPermissions{
			Network:      true,
			Filesystem:   true,
			AllowedHosts: []string{host},
			AllowedDirs:  []string{dir},
		}
		if err := ValidatePermissions(perms); err != nil && !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	})
}
