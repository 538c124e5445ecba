package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var presetNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Load reads and validates a configuration file from disk. The file may be
// YAML or JSON; YAML is a superset, so a single unmarshaler handles both.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and unmarshals raw configuration bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ValidationError{Field: "<root>", Reason: "malformed document: " + err.Error()}
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}
	applyDescriptorDefaults(&f)
	return &f, nil
}

// Validate checks structural invariants of a configuration document.
func Validate(f *File) error {
	if f.MCPServers == nil {
		return &ValidationError{Field: "mcpServers", Reason: "must be present, even if empty"}
	}
	for name, entry := range f.MCPServers {
		if name == "" {
			return &ValidationError{Field: "mcpServers", Reason: "server name must not be empty"}
		}
		switch entry.Type {
		case TransportStdio:
			if entry.Command == "" {
				return &ValidationError{Field: "mcpServers." + name + ".command", Reason: "required for stdio transport"}
			}
		case TransportHTTPStreamable, TransportSSE:
			if entry.URL == "" {
				return &ValidationError{Field: "mcpServers." + name + ".url", Reason: "required for http/sse transport"}
			}
		case "":
			if entry.Template == "" {
				return &ValidationError{Field: "mcpServers." + name + ".type", Reason: "required unless a template supplies it"}
			}
		default:
			return &ValidationError{Field: "mcpServers." + name + ".type", Reason: "unknown transport " + string(entry.Type)}
		}
	}
	return nil
}

// ValidatePresetName checks the preset naming rule. It lives here so both
// internal/config and internal/preset can share it without an import cycle
// (preset imports config, not vice versa).
func ValidatePresetName(name string) error {
	if !presetNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Reason: "must match [A-Za-z0-9_-]{1,64}"}
	}
	return nil
}

func applyDescriptorDefaults(f *File) {
	if f.LazyLoading.Cache.MaxEntries == 0 && f.LazyLoading.Cache.TTL == 0 && !f.LazyLoading.Enabled {
		// Leave explicit all-zero blocks alone; caller disabled lazy loading
		// outright and didn't configure a cache.
		return
	}
	if f.LazyLoading.Cache.MaxEntries == 0 {
		f.LazyLoading.Cache.MaxEntries = DefaultLazyLoadingConfig().Cache.MaxEntries
	}
	if f.LazyLoading.Cache.TTL == 0 {
		f.LazyLoading.Cache.TTL = DefaultLazyLoadingConfig().Cache.TTL
	}
}
