package policy

import (
	"fmt"
	"slices"
	"time"
)

// Level names a bundle of execution limits. Levels are totally ordered by
// strictness: strict < moderate < permissive.
type Level string

const (
	LevelStrict     Level = "strict"
	LevelModerate   Level = "moderate"
	LevelPermissive Level = "permissive"
)

// Levels lists every level from strictest to most permissive.
func Levels() []Level {
	return []Level{LevelStrict, LevelModerate, LevelPermissive}
}

// ParseLevel validates a level name. The empty string selects moderate.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return LevelModerate, nil
	case LevelStrict, LevelModerate, LevelPermissive:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown policy level %q: must be strict, moderate or permissive", s)
	}
}

// Rank orders levels by strictness; lower is stricter.
func (l Level) Rank() int {
	switch l {
	case LevelStrict:
		return 0
	case LevelModerate:
		return 1
	case LevelPermissive:
		return 2
	default:
		return -1
	}
}

// Profile is the full set of limits and allow/deny lists for one level.
type Profile struct {
	Level                  Level         `yaml:"level" json:"level"`
	MaxExecutionTime       time.Duration `yaml:"max_execution_time" json:"maxExecutionTime"`
	MaxMemoryMB            int64         `yaml:"max_memory_mb" json:"maxMemoryMB"`
	MaxNetworkRequests     int           `yaml:"max_network_requests" json:"maxNetworkRequests"`
	AllowedDomains         []string      `yaml:"allowed_domains" json:"allowedDomains"`
	AllowedFilesystemPaths []string      `yaml:"allowed_filesystem_paths" json:"allowedFilesystemPaths"`
	BlockedImports         []string      `yaml:"blocked_imports" json:"blockedImports"`
	AllowedImports         []string      `yaml:"allowed_imports" json:"allowedImports,omitempty"`
	BlockedPatterns        []string      `yaml:"blocked_patterns" json:"blockedPatterns"`
	CodeAnalysis           bool          `yaml:"code_analysis" json:"codeAnalysis"`
}

// Overrides are per-call adjustments merged over a level's profile.
type Overrides struct {
	Timeout        time.Duration
	MemoryLimitMB  int64
	AllowedImports []string
}

// Merge returns a copy of p with o applied. Slices are cloned so the result
// never aliases the level defaults.
func (p Profile) Merge(o Overrides) Profile {
	out := p.clone()
	if o.Timeout > 0 {
		out.MaxExecutionTime = o.Timeout
	}
	if o.MemoryLimitMB > 0 {
		out.MaxMemoryMB = o.MemoryLimitMB
	}
	for _, imp := range o.AllowedImports {
		if imp != "" && !slices.Contains(out.AllowedImports, imp) {
			out.AllowedImports = append(out.AllowedImports, imp)
		}
	}
	return out
}

func (p Profile) clone() Profile {
	p.AllowedDomains = slices.Clone(p.AllowedDomains)
	p.AllowedFilesystemPaths = slices.Clone(p.AllowedFilesystemPaths)
	p.BlockedImports = slices.Clone(p.BlockedImports)
	p.AllowedImports = slices.Clone(p.AllowedImports)
	p.BlockedPatterns = slices.Clone(p.BlockedPatterns)
	return p
}

// NetworkAllowed reports whether the profile permits any outbound request.
func (p Profile) NetworkAllowed() bool {
	return p.MaxNetworkRequests > 0
}

func (p Profile) validate() error {
	if p.Level.Rank() < 0 {
		return fmt.Errorf("unknown policy level %q", p.Level)
	}
	if p.MaxExecutionTime <= 0 {
		return fmt.Errorf("%s: max_execution_time must be > 0", p.Level)
	}
	if p.MaxMemoryMB <= 0 {
		return fmt.Errorf("%s: max_memory_mb must be > 0", p.Level)
	}
	if p.MaxNetworkRequests < 0 {
		return fmt.Errorf("%s: max_network_requests must be >= 0", p.Level)
	}
	return nil
}

// DefaultProfiles returns the built-in strict, moderate and permissive profiles.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Level:              LevelStrict,
			MaxExecutionTime:   5 * time.Second,
			MaxMemoryMB:        64,
			MaxNetworkRequests: 0,
			BlockedImports: []string{
				// python
				"os", "sys", "subprocess", "socket", "shutil", "ctypes", "multiprocessing",
				"threading", "importlib", "pickle", "marshal", "builtins", "pty",
				"http", "urllib", "requests",
				// node
				"child_process", "fs", "net", "https", "dgram", "cluster",
				"worker_threads", "vm", "process", "node:",
				// go
				"os/exec", "net", "syscall", "unsafe", "plugin", "reflect",
				// c
				"unistd.h", "sys/socket.h",
			},
			BlockedPatterns: []string{
				`\beval\s*\(`,
				`\bexec\s*\(`,
				`\b__import__\s*\(`,
				`\bcompile\s*\(`,
				`\bnew\s+Function\s*\(`,
				`\bglobals\s*\(\s*\)`,
				`\bgetattr\s*\(`,
				`__builtins__`,
				`__subclasses__`,
				`\bprocess\.(binding|env|exit)`,
				`\bunsafe\.Pointer`,
			},
			CodeAnalysis: true,
		},
		{
			Level:                  LevelModerate,
			MaxExecutionTime:       10 * time.Second,
			MaxMemoryMB:            128,
			MaxNetworkRequests:     5,
			AllowedDomains:         []string{"pypi.org", "registry.npmjs.org", "proxy.golang.org"},
			AllowedFilesystemPaths: []string{"/tmp", "/workspace"},
			BlockedImports: []string{
				"subprocess", "socket", "ctypes", "multiprocessing", "pty",
				"child_process", "cluster", "worker_threads", "vm", "dgram",
				"os/exec", "syscall", "unsafe", "plugin",
			},
			BlockedPatterns: []string{
				`\beval\s*\(`,
				`\b__import__\s*\(`,
				`\bnew\s+Function\s*\(`,
				`__subclasses__`,
				`\bprocess\.binding`,
				`\bos\.(system|popen|exec\w*|fork|kill)\s*\(`,
				`\b(execSync|spawnSync|execFileSync)\s*\(`,
			},
			CodeAnalysis: true,
		},
		{
			Level:                  LevelPermissive,
			MaxExecutionTime:       30 * time.Second,
			MaxMemoryMB:            512,
			MaxNetworkRequests:     50,
			AllowedDomains:         []string{"*"},
			AllowedFilesystemPaths: []string{"/tmp", "/workspace", "/data"},
			BlockedImports:         []string{"ctypes", "pty", "plugin"},
			BlockedPatterns: []string{
				`__subclasses__`,
				`\bprocess\.binding`,
				`\brm\s+-rf\s+/(\s|$)`,
				`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			},
			CodeAnalysis: true,
		},
	}
}
