// Package policy screens submitted source code against named security
// profiles before it runs and describes the capability scope it runs in.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultMaxCodeBytes caps the size of analyzable source.
const DefaultMaxCodeBytes = 1 << 20

// Engine holds the configured profiles and a cache of compiled patterns.
// It is safe for concurrent use; analysis keeps no per-request state.
type Engine struct {
	profiles     map[Level]Profile
	maxCodeBytes int

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMaxCodeBytes overrides DefaultMaxCodeBytes.
func WithMaxCodeBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCodeBytes = n
		}
	}
}

// NewEngine builds an engine from profiles. Levels missing from profiles
// fall back to DefaultProfiles. Every blocked pattern must compile.
func NewEngine(profiles []Profile, opts ...Option) (*Engine, error) {
	e := &Engine{
		profiles:     make(map[Level]Profile, 3),
		maxCodeBytes: DefaultMaxCodeBytes,
		compiled:     make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, p := range DefaultProfiles() {
		e.profiles[p.Level] = p
	}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		e.profiles[p.Level] = p.clone()
	}

	for _, p := range e.profiles {
		for _, pattern := range p.BlockedPatterns {
			if _, err := e.pattern(pattern); err != nil {
				return nil, fmt.Errorf("%s: blocked pattern %q: %w", p.Level, pattern, err)
			}
		}
	}

	return e, nil
}

// Profile returns a copy of the profile for level.
func (e *Engine) Profile(level Level) (Profile, error) {
	p, ok := e.profiles[level]
	if !ok {
		return Profile{}, fmt.Errorf("unknown policy level %q", level)
	}
	return p.clone(), nil
}

// Profiles returns copies of every profile, strictest first.
func (e *Engine) Profiles() []Profile {
	out := make([]Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level.Rank() < out[j].Level.Rank() })
	return out
}

// Effective merges per-call overrides into the level's profile.
func (e *Engine) Effective(level Level, o Overrides) (Profile, error) {
	p, err := e.Profile(level)
	if err != nil {
		return Profile{}, err
	}
	return p.Merge(o), nil
}

// Analyze statically screens code against profile. The result depends only
// on its inputs. Input that cannot be analyzed yields a critical violation.
func (e *Engine) Analyze(code string, profile Profile) []Violation {
	if len(code) > e.maxCodeBytes {
		return []Violation{{
			Type:     TypeResourceLimit,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("source is %d bytes, limit is %d", len(code), e.maxCodeBytes),
		}}
	}
	if !utf8.ValidString(code) || strings.ContainsRune(code, 0) {
		return []Violation{{
			Type:     TypeMaliciousPattern,
			Severity: SeverityCritical,
			Message:  "source is not valid UTF-8 text and cannot be analyzed",
		}}
	}

	lines := strings.Split(code, "\n")

	var violations []Violation
	violations = append(violations, e.scanPatterns(lines, profile)...)
	violations = append(violations, scanImports(lines, profile)...)
	violations = append(violations, scanNetwork(lines, profile)...)
	violations = append(violations, scanPaths(lines, profile)...)

	if len(violations) == 0 {
		if v, ok := detectObfuscation(lines); ok {
			violations = append(violations, v)
		}
	}
	violations = append(violations, detectUnboundedLoops(code)...)

	return violations
}

func (e *Engine) scanPatterns(lines []string, profile Profile) []Violation {
	var out []Violation
	for _, pattern := range profile.BlockedPatterns {
		re, err := e.pattern(pattern)
		if err != nil {
			out = append(out, Violation{
				Type:     TypeMaliciousPattern,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("blocked pattern %q does not compile: %v", pattern, err),
				Pattern:  pattern,
			})
			continue
		}
		for i, line := range lines {
			match := re.FindString(line)
			if match == "" {
				continue
			}
			out = append(out, Violation{
				Type:     TypeMaliciousPattern,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("blocked pattern %q matched", pattern),
				Line:     i + 1,
				Pattern:  match,
			})
		}
	}
	return out
}

func (e *Engine) pattern(p string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.compiled[p]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.compiled[p] = re
	e.mu.Unlock()
	return re, nil
}
