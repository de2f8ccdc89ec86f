package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"polyglot-sandbox/pkg/seccomp"
)

// SecurityProfile is the kernel-level hardening applied to a container.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// SecurityProfileFor derives the container hardening from what the execution
// scope allows. With network in scope the container shares the host network
// namespace so it can reach the loopback egress proxy.
func SecurityProfileFor(network, filesystem bool) SecurityProfile {
	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UserNamespace},
	}
	if !network {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	return SecurityProfile{
		Seccomp:      seccomp.ForOptions(seccomp.Options{Network: network, Filesystem: filesystem}),
		Capabilities: []string{},
		Namespaces:   namespaces,
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
		},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Process.Capabilities.Bounding = profile.Capabilities
	spec.Process.Capabilities.Effective = profile.Capabilities
	spec.Process.Capabilities.Inheritable = profile.Capabilities
	spec.Process.Capabilities.Permitted = profile.Capabilities
	spec.Process.Capabilities.Ambient = profile.Capabilities

	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{
		UID: 65534,
		GID: 65534,
	}

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
