package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/domain"
)

func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestPathGuard_Contains(t *testing.T) {
	g := NewPathGuard([]string{"/data", "/srv/plugins/"})

	tests := []struct {
		path string
		want bool
	}{
		{"/data", true},
		{"/data/a/b.txt", true},
		{"/srv/plugins/x", true},
		{"/data2/file", false},
		{"/data/../etc/passwd", false},
		{"/etc/passwd", false},
		{"data/a.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Contains(tt.path), tt.path)
	}
}

func TestPathGuard_IgnoresRelativeRoots(t *testing.T) {
	g := NewPathGuard([]string{"relative", ""})
	assert.Empty(t, g.Roots())
	assert.False(t, g.Contains("/relative"))
}

func TestPathGuard_RootSlash(t *testing.T) {
	g := NewPathGuard([]string{"/"})
	assert.True(t, g.Contains("/etc/hosts"))
}

func TestPathGuard_ResolveValid(t *testing.T) {
	dir := resolvedTempDir(t)
	g := NewPathGuard([]string{dir})

	testFile := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello"), 0o644))

	resolved, err := g.Resolve(testFile)
	require.NoError(t, err)
	assert.Equal(t, testFile, resolved)
}

func TestPathGuard_ResolveMissingFile(t *testing.T) {
	dir := resolvedTempDir(t)
	g := NewPathGuard([]string{dir})

	resolved, err := g.Resolve(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "new.txt"), resolved)
}

func TestPathGuard_ResolveTraversal(t *testing.T) {
	dir := resolvedTempDir(t)
	g := NewPathGuard([]string{dir})

	for _, path := range []string{
		filepath.Join(dir, "..", "etc", "passwd"),
		"/etc/passwd",
		filepath.Join(dir, "..", "..", "root", ".ssh"),
	} {
		_, err := g.Resolve(path)
		if !errors.Is(err, domain.ErrPathOutsideSandbox) {
			t.Errorf("path %q: expected ErrPathOutsideSandbox, got %v", path, err)
		}
	}
}

func TestPathGuard_ResolveSymlinkEscape(t *testing.T) {
	dir := resolvedTempDir(t)
	outside := resolvedTempDir(t)
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s"), 0o600))

	link := filepath.Join(dir, "link")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	g := NewPathGuard([]string{dir})
	assert.True(t, g.Contains(link), "lexically inside")

	_, err := g.Resolve(link)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/a", "/a"))
	assert.True(t, Within("/a", "/a/b"))
	assert.False(t, Within("/a", "/ab"))
	assert.True(t, Within("/", "/anything"))
}
