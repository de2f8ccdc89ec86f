package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/policy"
)

// EscapeDetector looks for sandbox-escape signatures in submitted code and
// in what a program printed. It complements the per-level policy with checks
// that apply at every level.
type EscapeDetector struct {
	code   []Signature
	output []outputSignature
}

// Signature is a suspicious construct in source code.
type Signature struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    policy.Severity
	Type        policy.ViolationType
}

type outputSignature struct {
	name     string
	substr   string
	severity policy.Severity
	kind     policy.ViolationType
}

// NewEscapeDetector creates a detector with the default signatures.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		code:   defaultSignatures(),
		output: defaultOutputSignatures(),
	}
}

// AnalyzeCode reports every signature match, one per matching line.
func (d *EscapeDetector) AnalyzeCode(code string) []policy.Violation {
	var out []policy.Violation

	for i, line := range strings.Split(code, "\n") {
		for _, s := range d.code {
			match := s.Regex.FindString(line)
			if match == "" {
				continue
			}
			out = append(out, policy.Violation{
				Type:     s.Type,
				Severity: s.Severity,
				Message:  s.Description,
				Line:     i + 1,
				Pattern:  match,
			})

			log.Warn().
				Str("signature", s.Name).
				Str("severity", s.Severity.String()).
				Int("line", i+1).
				Msg("escape attempt detected in code")
		}
	}

	return out
}

// AnalyzeOutput checks program output for signs of a successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) []policy.Violation {
	var out []policy.Violation
	for _, s := range d.output {
		if strings.Contains(output, s.substr) {
			out = append(out, policy.Violation{
				Type:     s.kind,
				Severity: s.severity,
				Message:  "suspicious content in output: " + s.name,
				Pattern:  s.substr,
			})
		}
	}
	return out
}

func defaultOutputSignatures() []outputSignature {
	return []outputSignature{
		{"root_access", "root:x:0:0", policy.SeverityCritical, policy.TypeFileAccess},
		{"shadow_file", "root:$", policy.SeverityCritical, policy.TypeFileAccess},
		{"docker_socket", "docker.sock", policy.SeverityCritical, policy.TypeFileAccess},
		{"containerd_socket", "containerd.sock", policy.SeverityCritical, policy.TypeFileAccess},
		{"kernel_leak", "Linux version", policy.SeverityMedium, policy.TypeFileAccess},
		{"cloud_credentials", "AccessKeyId", policy.SeverityHigh, policy.TypeNetworkAccess},
	}
}

func defaultSignatures() []Signature {
	return []Signature{
		{
			Name:        "proc_self_access",
			Description: "accessing /proc/self for process internals",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem|environ)`),
			Severity:    policy.SeverityHigh,
			Type:        policy.TypeFileAccess,
		},
		{
			Name:        "container_breakout",
			Description: "container breakout via cgroup release agent",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    policy.SeverityCritical,
			Type:        policy.TypeFileAccess,
		},
		{
			Name:        "host_socket_access",
			Description: "reaching the container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd|/var/run/containerd`),
			Severity:    policy.SeverityCritical,
			Type:        policy.TypeFileAccess,
		},
		{
			Name:        "kernel_exploit",
			Description: "known kernel exploitation technique",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    policy.SeverityCritical,
			Type:        policy.TypeMaliciousPattern,
		},
		{
			Name:        "metadata_service",
			Description: "reaching a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal|fd00:ec2::254`),
			Severity:    policy.SeverityHigh,
			Type:        policy.TypeNetworkAccess,
		},
		{
			Name:        "reverse_shell",
			Description: "reverse shell construct",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    policy.SeverityCritical,
			Type:        policy.TypeNetworkAccess,
		},
		{
			Name:        "capability_abuse",
			Description: "manipulating Linux capabilities",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|cap_net_raw|\bsetcap\b|\bcapsh\b)`),
			Severity:    policy.SeverityHigh,
			Type:        policy.TypeMaliciousPattern,
		},
		{
			Name:        "ptrace_attempt",
			Description: "ptrace or cross-process memory access",
			Regex:       regexp.MustCompile(`(?i)(\bptrace\b|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    policy.SeverityCritical,
			Type:        policy.TypeMaliciousPattern,
		},
		{
			Name:        "symlink_race",
			Description: "symlink into a kernel pseudo filesystem",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/(proc|sys|dev)`),
			Severity:    policy.SeverityHigh,
			Type:        policy.TypeFileAccess,
		},
		{
			Name:        "crypto_miner",
			Description: "cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    policy.SeverityMedium,
			Type:        policy.TypeResourceLimit,
		},
	}
}
