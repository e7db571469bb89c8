package plugin

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"warden/internal/domain"
)

// CapabilityPolicy is the engine-wide allow/deny list applied to the
// capabilities a plugin declares in its metadata. Deny wins over allow; an
// empty allow list permits every capability not denied.
type CapabilityPolicy struct {
	Allow []domain.Capability
	Deny  []domain.Capability
}

// Check returns ErrCapabilityRejected for the first declared capability the
// policy refuses.
func (p CapabilityPolicy) Check(md domain.PluginMetadata) error {
	for _, c := range md.Capabilities {
		if slices.Contains(p.Deny, c) {
			return fmt.Errorf("%w: plugin %q requests denied capability %q",
				domain.ErrCapabilityRejected, md.Name, c)
		}
		if len(p.Allow) > 0 && !slices.Contains(p.Allow, c) {
			return fmt.Errorf("%w: plugin %q requests unlisted capability %q",
				domain.ErrCapabilityRejected, md.Name, c)
		}
	}
	return nil
}

// ValidatePermissions rejects allow-list entries that can never match: an
// empty entry, a relative directory, or a host pattern carrying a scheme,
// path or misplaced wildcard.
func ValidatePermissions(perms domain.PluginPermissions) error {
	if err := validate.Struct(perms); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	for _, dir := range perms.AllowedDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%w: allowed dir %q is not absolute", domain.ErrInvalidInput, dir)
		}
	}
	for _, host := range perms.AllowedHosts {
		if strings.ContainsAny(host, "/@ ") {
			return fmt.Errorf("%w: allowed host %q must be a bare host name", domain.ErrInvalidInput, host)
		}
		if rest, ok := strings.CutPrefix(host, "*."); ok && strings.Contains(rest, "*") || !ok && host != "*" && strings.Contains(host, "*") {
			return fmt.Errorf("%w: allowed host %q has a misplaced wildcard", domain.ErrInvalidInput, host)
		}
	}
	return nil
}
