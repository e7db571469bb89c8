package wasm

import (
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"warden/internal/domain"
	"warden/internal/security"
)

// MaxLogLineBytes bounds a sanitized guest log line, excluding the prefix.
const MaxLogLineBytes = 4096

// Sandbox enforces a plugin's granted permissions on host function calls.
// Every check is default-deny: a capability is usable only when explicitly
// granted, and path and host checks additionally require an allow-list match.
type Sandbox struct {
	pluginID string
	perms    domain.PluginPermissions
	paths    *security.PathGuard
	hosts    []string
}

// NewSandbox creates a Sandbox for pluginID from the given permissions.
func NewSandbox(pluginID string, perms domain.PluginPermissions) *Sandbox {
	hosts := make([]string, 0, len(perms.AllowedHosts))
	for _, h := range perms.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, strings.TrimSuffix(h, "."))
		}
	}
	return &Sandbox{
		pluginID: pluginID,
		perms:    perms,
		paths:    security.NewPathGuard(perms.AllowedDirs),
		hosts:    hosts,
	}
}

// Permissions returns the permissions the sandbox was built from.
func (s *Sandbox) Permissions() domain.PluginPermissions {
	return s.perms
}

// CheckFilesystem reports whether path may be read. The path must be
// absolute and, once cleaned, equal to or below an allowed directory.
func (s *Sandbox) CheckFilesystem(path string) bool {
	return s.perms.Filesystem && s.paths.Contains(path)
}

// ResolvePath applies CheckFilesystem and then resolves symlinks, rejecting
// any path whose target leaves the allowed directories.
func (s *Sandbox) ResolvePath(path string) (string, error) {
	if !s.perms.Filesystem {
		return "", domain.NewDomainError("Sandbox.ResolvePath", domain.ErrPermissionDenied, "filesystem capability not granted")
	}
	return s.paths.Resolve(path)
}

// CheckNetwork reports whether host may be contacted. A port, if present,
// is ignored.
func (s *Sandbox) CheckNetwork(host string) bool {
	if !s.perms.Network {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, pattern := range s.hosts {
		if HostMatches(pattern, host) {
			return true
		}
	}
	return false
}

// CheckEnv reports whether environment variables may be read.
func (s *Sandbox) CheckEnv() bool {
	return s.perms.EnvVars
}

// SanitizeLog makes a guest log line safe to emit: invalid UTF-8 is replaced,
// line breaks and tabs become spaces, other control and bidi override
// characters are dropped, the result is truncated to MaxLogLineBytes on a
// rune boundary, and a plugin prefix is added.
func (s *Sandbox) SanitizeLog(msg string) string {
	return "[plugin:" + s.pluginID + "] " + sanitize(msg, MaxLogLineBytes)
}

func sanitize(msg string, limit int) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	var b strings.Builder
	b.Grow(min(len(msg), limit))
	for _, r := range msg {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case unicode.IsControl(r) || isBidiControl(r):
			continue
		}
		if b.Len()+utf8.RuneLen(r) > limit {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isBidiControl(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

// HostMatches reports whether host matches an allow-list pattern: an exact
// name, "*.suffix" for any subdomain of suffix (not suffix itself), or "*"
// for any host. Both arguments must already be lower case.
func HostMatches(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	default:
		return pattern == host
	}
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return host
}
