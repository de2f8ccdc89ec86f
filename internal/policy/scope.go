package policy

import "slices"

// Capability is a host facility that may be exposed to sandboxed code.
type Capability string

const (
	CapConsole      Capability = "console"
	CapMath         Capability = "math"
	CapJSON         Capability = "json"
	CapConstructors Capability = "constructors"
	CapTimers       Capability = "timers"
	CapEval         Capability = "eval"
	CapReflection   Capability = "reflection"
	CapNetwork      Capability = "network"
	CapFilesystem   Capability = "filesystem"
)

// Scope describes what a single execution may touch.
type Scope struct {
	Language           string       `json:"language"`
	Level              Level        `json:"level"`
	Capabilities       []Capability `json:"capabilities"`
	AllowedDomains     []string     `json:"allowedDomains,omitempty"`
	MaxNetworkRequests int          `json:"maxNetworkRequests"`
	ReadablePaths      []string     `json:"readablePaths,omitempty"`
}

// Allows reports whether c is part of the scope.
func (s Scope) Allows(c Capability) bool {
	return slices.Contains(s.Capabilities, c)
}

// CapabilityScope builds the scope for language under profile. The strictest
// level never exposes dynamic evaluation or reflection.
func (e *Engine) CapabilityScope(language string, profile Profile) Scope {
	s := Scope{
		Language:     language,
		Level:        profile.Level,
		Capabilities: []Capability{CapConsole, CapMath, CapJSON, CapConstructors},
	}

	if profile.Level != LevelStrict {
		s.Capabilities = append(s.Capabilities, CapTimers, CapEval, CapReflection)
	}
	if profile.NetworkAllowed() {
		s.Capabilities = append(s.Capabilities, CapNetwork)
		s.AllowedDomains = slices.Clone(profile.AllowedDomains)
		s.MaxNetworkRequests = profile.MaxNetworkRequests
	}
	if len(profile.AllowedFilesystemPaths) > 0 {
		s.Capabilities = append(s.Capabilities, CapFilesystem)
		s.ReadablePaths = slices.Clone(profile.AllowedFilesystemPaths)
	}

	return s
}
