package config

import "fmt"

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates a built-in default value.
	SourceDefault ConfigSource = "default"
	// SourceSystem indicates the system config (/etc/ralph/config.yaml).
	SourceSystem ConfigSource = "system"
	// SourceUser indicates the user config (~/.ralph/config.yaml).
	SourceUser ConfigSource = "user"
	// SourceProject indicates the project config (.ralph/config.yaml).
	SourceProject ConfigSource = "project"
	// SourceEnv indicates an environment variable override.
	SourceEnv ConfigSource = "env"
	// SourceFlag indicates a CLI flag override.
	SourceFlag ConfigSource = "flag"
)

// precedence orders sources lowest to highest. Later sources override
// earlier ones during the merge.
var precedence = map[ConfigSource]int{
	SourceDefault: 0,
	SourceSystem:  1,
	SourceUser:    2,
	SourceProject: 3,
	SourceEnv:     4,
	SourceFlag:    5,
}

// Overrides reports whether s takes precedence over other.
func (s ConfigSource) Overrides(other ConfigSource) bool {
	return precedence[s] >= precedence[other]
}

// TrackedSource contains both the source type and the file path.
type TrackedSource struct {
	Source ConfigSource
	Path   string // File path or empty for defaults/env/flags
}

// String returns a human-readable source description.
func (ts TrackedSource) String() string {
	if ts.Path == "" {
		return string(ts.Source)
	}
	return fmt.Sprintf("%s: %s", ts.Source, ts.Path)
}

// TrackedConfig wraps a Config with source tracking.
type TrackedConfig struct {
	// Config is the merged configuration.
	Config *Config

	// Sources maps config paths to their source type.
	// Examples: "profile" -> SourceProject, "daemon.listen" -> SourceEnv
	Sources map[string]ConfigSource

	// TrackedSources maps config paths to their full source info (source + path).
	TrackedSources map[string]TrackedSource
}

// NewTrackedConfig creates a new TrackedConfig with defaults.
func NewTrackedConfig() *TrackedConfig {
	return &TrackedConfig{
		Config:         Default(),
		Sources:        make(map[string]ConfigSource),
		TrackedSources: make(map[string]TrackedSource),
	}
}

// SetSource records the source for a config path.
func (tc *TrackedConfig) SetSource(path string, source ConfigSource) {
	tc.Sources[path] = source
	tc.TrackedSources[path] = TrackedSource{Source: source}
}

// SetSourceWithPath records the source and file path for a config path.
func (tc *TrackedConfig) SetSourceWithPath(path string, source ConfigSource, filePath string) {
	tc.Sources[path] = source
	tc.TrackedSources[path] = TrackedSource{Source: source, Path: filePath}
}

// GetSource returns the source for a config path.
// Returns SourceDefault if no source is recorded.
func (tc *TrackedConfig) GetSource(path string) ConfigSource {
	if source, ok := tc.Sources[path]; ok {
		return source
	}
	return SourceDefault
}

// GetTrackedSource returns the full source info for a config path.
func (tc *TrackedConfig) GetTrackedSource(path string) TrackedSource {
	if ts, ok := tc.TrackedSources[path]; ok {
		return ts
	}
	return TrackedSource{Source: SourceDefault}
}
