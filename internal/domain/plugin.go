package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// PluginType classifies what a plugin provides. Interpretation of a plugin's
// input and output is left to the caller; the engine treats every type alike.
type PluginType string

const (
	PluginTypeEvaluator PluginType = "evaluator"
	PluginTypeProvider  PluginType = "provider"
	PluginTypeTransform PluginType = "transform"
	PluginTypeFilter    PluginType = "filter"
	PluginTypeCustom    PluginType = "custom"
)

// PluginTypes lists every known PluginType.
var PluginTypes = []PluginType{
	PluginTypeEvaluator,
	PluginTypeProvider,
	PluginTypeTransform,
	PluginTypeFilter,
	PluginTypeCustom,
}

// Valid reports whether t is a known plugin type.
func (t PluginType) Valid() bool {
	return slices.Contains(PluginTypes, t)
}

// Capability is a named permission a plugin may declare and be granted.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityEnv        Capability = "env"
)

// Capabilities lists every known Capability.
var Capabilities = []Capability{
	CapabilityFilesystem,
	CapabilityNetwork,
	CapabilityEnv,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return slices.Contains(Capabilities, c)
}

// PluginMetadata is the static identity a module reports from plugin_metadata.
// It is immutable once the plugin is loaded.
type PluginMetadata struct {
	Name         string       `json:"name"                   jsonschema:"required,minLength=1,maxLength=128"`
	Version      string       `json:"version"                jsonschema:"required,minLength=1,maxLength=64"`
	Type         PluginType   `json:"type"                   jsonschema:"required"`
	Capabilities []Capability `json:"capabilities,omitempty" jsonschema:"uniqueItems=true"`
	Description  string       `json:"description,omitempty"  jsonschema:"maxLength=1024"`
	Author       string       `json:"author,omitempty"       jsonschema:"maxLength=256"`
}

// HasCapability reports whether the metadata declares c.
func (m PluginMetadata) HasCapability(c Capability) bool {
	return slices.Contains(m.Capabilities, c)
}

// Default resource limits applied to zero-valued fields.
const (
	DefaultMaxMemoryBytes     uint64 = 64 << 20
	DefaultMaxExecutionTimeMS int64  = 30_000
	DefaultMaxInstructions    uint64 = 1_000_000_000

	// MaxExecutionTimeMSLimit is the largest accepted per-call time budget.
	MaxExecutionTimeMSLimit int64 = 24 * 60 * 60 * 1000

	// WasmPageSize is the size of one page of guest linear memory.
	WasmPageSize uint64 = 64 << 10
)

// ResourceLimits is the budget enforced on one plugin instance.
type ResourceLimits struct {
	MaxMemoryBytes     uint64 `json:"max_memory_bytes"      yaml:"max_memory_bytes"      validate:"gte=65536,lte=4294967296"`
	MaxExecutionTimeMS int64  `json:"max_execution_time_ms" yaml:"max_execution_time_ms" validate:"gte=1,lte=86400000"`
	MaxInstructions    uint64 `json:"max_instructions"      yaml:"max_instructions"      validate:"gte=1"`
}

// DefaultResourceLimits returns the engine-wide default budget.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     DefaultMaxMemoryBytes,
		MaxExecutionTimeMS: DefaultMaxExecutionTimeMS,
		MaxInstructions:    DefaultMaxInstructions,
	}
}

// WithDefaults returns a copy of l where zero fields are replaced by the
// corresponding field of def.
func (l ResourceLimits) WithDefaults(def ResourceLimits) ResourceLimits {
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if l.MaxExecutionTimeMS == 0 {
		l.MaxExecutionTimeMS = def.MaxExecutionTimeMS
	}
	if l.MaxInstructions == 0 {
		l.MaxInstructions = def.MaxInstructions
	}
	return l
}

// ExecutionTimeout returns MaxExecutionTimeMS as a duration.
func (l ResourceLimits) ExecutionTimeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMS) * time.Millisecond
}

// MemoryPages returns the number of whole guest pages that fit in
// MaxMemoryBytes. A partial trailing page is not granted.
func (l ResourceLimits) MemoryPages() uint32 {
	return uint32(l.MaxMemoryBytes / WasmPageSize)
}

// PluginPermissions lists the capabilities granted to one plugin instance.
// The zero value denies everything.
type PluginPermissions struct {
	Filesystem   bool     `json:"filesystem"              yaml:"filesystem"`
	Network      bool     `json:"network"                 yaml:"network"`
	EnvVars      bool     `json:"env_vars"                yaml:"env_vars"`
	AllowedDirs  []string `json:"allowed_dirs,omitempty"  yaml:"allowed_dirs"  validate:"dive,required"`
	AllowedHosts []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts" validate:"dive,required"`
}

// Grants reports whether the permissions grant capability c.
func (p PluginPermissions) Grants(c Capability) bool {
	switch c {
	case CapabilityFilesystem:
		return p.Filesystem
	case CapabilityNetwork:
		return p.Network
	case CapabilityEnv:
		return p.EnvVars
	default:
		return false
	}
}

// PluginStatus is the lifecycle state of a plugin instance.
type PluginStatus int

const (
	StatusLoading PluginStatus = iota
	StatusReady
	StatusExecuting
	StatusError
	StatusUnloading
)

func (s PluginStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusExecuting:
		return "executing"
	case StatusError:
		return "error"
	case StatusUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s PluginStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PluginInput is the payload passed to plugin_execute. It must hold a single
// well-formed JSON value.
type PluginInput json.RawMessage

// PluginOutput is the payload returned by plugin_execute.
type PluginOutput json.RawMessage

// MarshalJSON embeds the output verbatim.
func (o PluginOutput) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return o, nil
}

// InvocationStats accumulates per-instance execution counters.
type InvocationStats struct {
	Invocations   uint64        `json:"invocations"`
	Failures      uint64        `json:"failures"`
	Rejected      uint64        `json:"rejected"`
	TotalDuration time.Duration `json:"total_duration"`
	LastDuration  time.Duration `json:"last_duration"`
	LastInvokedAt time.Time     `json:"last_invoked_at,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
}

// AverageDuration returns the mean duration of completed invocations.
func (s InvocationStats) AverageDuration() time.Duration {
	if s.Invocations == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Invocations)
}

// RegistryEntry is the passive index record for a loaded plugin. It holds no
// reference to the running instance.
type RegistryEntry struct {
	ID       string         `json:"id"`
	Metadata PluginMetadata `json:"metadata"`
	Status   PluginStatus   `json:"status"`
}

// PluginInfo is the externally visible snapshot of a loaded plugin.
type PluginInfo struct {
	ID          string            `json:"id"`
	Metadata    PluginMetadata    `json:"metadata"`
	Status      PluginStatus      `json:"status"`
	Stats       InvocationStats   `json:"stats"`
	Limits      ResourceLimits    `json:"limits"`
	Permissions PluginPermissions `json:"permissions"`
	Digest      string            `json:"digest,omitempty"`
	LoadedAt    time.Time         `json:"loaded_at,omitzero"`
}
