// Package seccomp builds deny-by-default seccomp profiles for sandboxed
// interpreters, in OCI form for containerd and JSON form for docker.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActTrap, names)
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// Action reports the action the first rule naming syscall applies, or the
// profile default when no rule names it.
func Action(p *specs.LinuxSeccomp, syscall string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if name == syscall {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}
