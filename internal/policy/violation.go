package policy

import "fmt"

// Severity levels for policy violations.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ViolationType classifies what a violation is about.
type ViolationType string

const (
	TypeForbiddenImport  ViolationType = "forbidden-import"
	TypeMaliciousPattern ViolationType = "malicious-pattern"
	TypeResourceLimit    ViolationType = "resource-limit"
	TypeTimeout          ViolationType = "timeout"
	TypeNetworkAccess    ViolationType = "network-access"
	TypeFileAccess       ViolationType = "file-access"
)

// Violation is one detected or measured breach of a security profile.
type Violation struct {
	Type     ViolationType `json:"type"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Line     int           `json:"line,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
}

// Blocking reports whether any violation is severe enough to refuse execution.
func Blocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity >= SeverityHigh {
			return true
		}
	}
	return false
}
