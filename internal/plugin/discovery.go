package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"warden/internal/domain"
)

// ManifestFile is the file name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest describes an on-disk plugin: where its module is and what it is
// allowed to do. Name defaults to the directory name.
type Manifest struct {
	Name        string                   `yaml:"name"`
	Binary      string                   `yaml:"binary"`
	Limits      domain.ResourceLimits    `yaml:"limits"`
	Permissions domain.PluginPermissions `yaml:"permissions"`
	Config      map[string]any           `yaml:"config"`

	// Dir is the directory the manifest was read from.
	Dir string `yaml:"-"`
}

// BinaryPath returns the absolute path of the module file.
func (m Manifest) BinaryPath() string {
	return filepath.Join(m.Dir, m.Binary)
}

// ConfigJSON encodes Config for plugin_init. An empty config encodes to nil.
func (m Manifest) ConfigJSON() ([]byte, error) {
	if len(m.Config) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin %q config: %v", domain.ErrSerialization, m.Name, err)
	}
	return data, nil
}

// ScanDirectories walks each directory looking for <dir>/<name>/plugin.yaml.
// Malformed manifests, binaries outside the plugin directory and missing
// binaries are skipped.
func ScanDirectories(dirs []string) ([]Manifest, error) {
	var manifests []Manifest
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			manifestPath := filepath.Join(pluginDir, ManifestFile)
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
			}
			var m Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				continue
			}
			if m.Binary == "" || !filepath.IsLocal(m.Binary) {
				continue
			}
			if m.Name == "" {
				m.Name = entry.Name()
			}
			m.Dir = pluginDir

			info, err := os.Stat(m.BinaryPath())
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			manifests = append(manifests, m)
		}
	}
	return manifests, nil
}

// LoadManifest reads the manifest's module and loads it with the manifest's
// limits, permissions and config.
func (m *Manager) LoadManifest(ctx context.Context, man Manifest) (string, error) {
	bin, err := os.ReadFile(man.BinaryPath())
	if err != nil {
		return "", fmt.Errorf("read plugin %q: %w", man.Name, err)
	}
	config, err := man.ConfigJSON()
	if err != nil {
		return "", err
	}
	return m.Load(ctx, bin, man.Limits, man.Permissions,
		WithPluginConfig(config),
		WithSource(man.BinaryPath()),
	)
}

// LoadDirectories discovers and loads every plugin under dirs. A plugin
// that fails to load is logged and skipped; the ids of loaded plugins are
// returned keyed by manifest name.
func (m *Manager) LoadDirectories(ctx context.Context, dirs []string) (map[string]string, error) {
	manifests, err := ScanDirectories(dirs)
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]string, len(manifests))
	for _, man := range manifests {
		id, err := m.LoadManifest(ctx, man)
		if err != nil {
			m.logger.Warn("failed to load plugin", "name", man.Name, "dir", man.Dir, "error", err)
			continue
		}
		loaded[man.Name] = id
	}
	return loaded, nil
}
