package sandbox

import (
	"errors"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if err := l.Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() = %v", err)
	}
	if l.MemoryMB != 128 {
		t.Errorf("MemoryMB = %d, want 128", l.MemoryMB)
	}
	if got := l.WithMemory(64).MemoryMB; got != 64 {
		t.Errorf("WithMemory(64).MemoryMB = %d, want 64", got)
	}
	if got := l.WithMemory(0).MemoryMB; got != 128 {
		t.Errorf("WithMemory(0).MemoryMB = %d, want unchanged 128", got)
	}
}

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu under", ResourceLimits{CPUShares: 1, MemoryMB: 128, PidsLimit: 50, DiskMB: 100}},
		{"cpu over", ResourceLimits{CPUShares: 4097, MemoryMB: 128, PidsLimit: 50, DiskMB: 100}},
		{"memory under", ResourceLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 50, DiskMB: 100}},
		{"memory over", ResourceLimits{CPUShares: 512, MemoryMB: 4097, PidsLimit: 50, DiskMB: 100}},
		{"pids over", ResourceLimits{CPUShares: 512, MemoryMB: 128, PidsLimit: 501, DiskMB: 100}},
		{"disk zero", ResourceLimits{CPUShares: 512, MemoryMB: 128, PidsLimit: 50, DiskMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	s := &specs.Spec{}
	ApplyResourceLimits(s, ResourceLimits{CPUShares: 1024, MemoryMB: 64, PidsLimit: 10, DiskMB: 5})

	if got := *s.Linux.Resources.Memory.Limit; got != 64<<20 {
		t.Errorf("memory limit = %d, want %d", got, 64<<20)
	}
	if got := *s.Linux.Resources.CPU.Quota; got != 100000 {
		t.Errorf("cpu quota = %d, want 100000 for one core", got)
	}
	if s.Linux.Resources.Pids.Limit != 10 {
		t.Errorf("pids limit = %d, want 10", s.Linux.Resources.Pids.Limit)
	}
	if len(s.Mounts) != 1 || s.Mounts[0].Destination != "/tmp" {
		t.Errorf("mounts = %+v, want a single /tmp tmpfs", s.Mounts)
	}

	ApplyResourceLimits(s, DefaultLimits())
	if len(s.Mounts) != 1 {
		t.Errorf("reapplying added a duplicate mount: %+v", s.Mounts)
	}
}

func TestSecurityProfileFor(t *testing.T) {
	hasNetNS := func(p SecurityProfile) bool {
		for _, ns := range p.Namespaces {
			if ns.Type == specs.NetworkNamespace {
				return true
			}
		}
		return false
	}

	if !hasNetNS(SecurityProfileFor(false, false)) {
		t.Error("isolated profile should have its own network namespace")
	}
	if hasNetNS(SecurityProfileFor(true, false)) {
		t.Error("network profile should share the host network namespace")
	}

	s := &specs.Spec{Root: &specs.Root{}}
	ApplySecurityProfile(s, SecurityProfileFor(false, false))
	if !s.Process.NoNewPrivileges || s.Process.User.UID != 65534 || !s.Root.Readonly {
		t.Errorf("hardening not applied: %+v", s.Process)
	}
	if s.Linux.Seccomp == nil {
		t.Error("seccomp profile missing")
	}
}
