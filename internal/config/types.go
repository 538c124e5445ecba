package config

import "time"

// TransportKind is the upstream transport a ServerDescriptor connects over.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportHTTPStreamable TransportKind = "http-streamable"
	TransportSSE            TransportKind = "sse"
)

// RestartPolicy controls whether and how a connection is retried after it
// enters the Error state.
type RestartPolicy struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	MaxAttempts    int           `json:"maxAttempts" yaml:"maxAttempts"`
	InitialBackoff Duration      `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff     Duration      `json:"maxBackoff" yaml:"maxBackoff"`
}

// DefaultRestartPolicy retries forever with a 30s initial backoff doubling
// up to 30m.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Enabled:        true,
		MaxAttempts:    0, // 0 = unbounded
		InitialBackoff: Duration(30 * time.Second),
		MaxBackoff:     Duration(30 * time.Minute),
	}
}

// ServerDescriptor is the immutable-within-a-generation identity and launch
// parameters of one upstream MCP server.
type ServerDescriptor struct {
	Name    string            `json:"name" yaml:"name"`
	Type    TransportKind     `json:"type" yaml:"type"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Restart RestartPolicy `json:"restart,omitempty" yaml:"restart,omitempty"`

	// HealthCheckInterval is the liveness-ping cadence for a Connected,
	// otherwise-idle connection. Zero means the supervisor default applies.
	HealthCheckInterval Duration `json:"healthCheckInterval,omitempty" yaml:"healthCheckInterval,omitempty"`
}

// Clone returns a deep-enough copy so a caller can mutate maps/slices
// without affecting the stored descriptor.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	if d.Args != nil {
		out.Args = append([]string(nil), d.Args...)
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	if d.Headers != nil {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// CacheConfig configures the schema cache.
type CacheConfig struct {
	MaxEntries int      `json:"maxEntries" yaml:"maxEntries"`
	TTL        Duration `json:"ttlMs" yaml:"ttlMs"`
}

// PreloadConfig configures at-initialize schema preloading.
type PreloadConfig struct {
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// LazyLoadingConfig is the `lazyLoading` configuration block.
type LazyLoadingConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Cache   CacheConfig   `json:"cache" yaml:"cache"`
	Preload PreloadConfig `json:"preload" yaml:"preload"`
}

// DefaultLazyLoadingConfig mirrors the documented defaults.
func DefaultLazyLoadingConfig() LazyLoadingConfig {
	return LazyLoadingConfig{
		Enabled: true,
		Cache: CacheConfig{
			MaxEntries: 500,
			TTL:        Duration(30 * time.Minute),
		},
	}
}

// ServerTemplate is a named, reusable descriptor fragment. Overlay
// semantics: template fields fill in whatever the referencing entry left
// unset, so the entry's explicit fields always win.
type ServerTemplate struct {
	Type    TransportKind     `json:"type,omitempty" yaml:"type,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Tags    []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Timeout Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ServerEntry is the raw on-disk shape of one `mcpServers` entry: the
// descriptor's own fields plus an optional template reference.
type ServerEntry struct {
	ServerDescriptor `yaml:",inline"`
	Template         string `json:"template,omitempty" yaml:"template,omitempty"`
}

// File is the top-level configuration document.
type File struct {
	MCPServers   map[string]ServerEntry    `json:"mcpServers" yaml:"mcpServers"`
	MCPTemplates map[string]ServerTemplate `json:"mcpTemplates,omitempty" yaml:"mcpTemplates,omitempty"`
	LazyLoading  LazyLoadingConfig         `json:"lazyLoading,omitempty" yaml:"lazyLoading,omitempty"`
}

// Resolve merges templates into server entries and returns the final
// name->ServerDescriptor mapping used by the rest of the proxy.
func (f *File) Resolve() (map[string]ServerDescriptor, error) {
	out := make(map[string]ServerDescriptor, len(f.MCPServers))
	for name, entry := range f.MCPServers {
		desc := entry.ServerDescriptor
		desc.Name = name
		if entry.Template != "" {
			tmpl, ok := f.MCPTemplates[entry.Template]
			if !ok {
				return nil, &ValidationError{Field: "mcpServers." + name + ".template", Reason: "unknown template " + entry.Template}
			}
			desc = overlayTemplate(tmpl, desc)
		}
		expanded, err := expandDescriptor(desc)
		if err != nil {
			return nil, err
		}
		// Defaults apply after the template overlay so a template-supplied
		// timeout is not masked by them.
		if expanded.Restart == (RestartPolicy{}) {
			expanded.Restart = DefaultRestartPolicy()
		}
		if expanded.Timeout == 0 {
			expanded.Timeout = defaultTimeout
		}
		if expanded.HealthCheckInterval == 0 {
			expanded.HealthCheckInterval = defaultHealthCheckInterval
		}
		out[name] = expanded
	}
	return out, nil
}

func overlayTemplate(tmpl ServerTemplate, desc ServerDescriptor) ServerDescriptor {
	if desc.Type == "" {
		desc.Type = tmpl.Type
	}
	if desc.Command == "" {
		desc.Command = tmpl.Command
	}
	if len(desc.Args) == 0 {
		desc.Args = tmpl.Args
	}
	if desc.Cwd == "" {
		desc.Cwd = tmpl.Cwd
	}
	if desc.URL == "" {
		desc.URL = tmpl.URL
	}
	if desc.Timeout == 0 {
		desc.Timeout = tmpl.Timeout
	}
	if len(desc.Tags) == 0 {
		desc.Tags = tmpl.Tags
	}
	if desc.Env == nil && tmpl.Env != nil {
		desc.Env = tmpl.Env
	}
	if desc.Headers == nil && tmpl.Headers != nil {
		desc.Headers = tmpl.Headers
	}
	return desc
}
