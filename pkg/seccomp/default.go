package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Options selects which optional syscall groups a profile allows.
type Options struct {
	Network    bool // socket family
	Filesystem bool // mutating filesystem calls (rename, unlink, mkdir, ...)
}

func ioSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl", "ioctl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"statfs", "fstatfs",
		"getcwd", "chdir", "fchdir",
	)
}

func memorySyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"brk", "mmap", "munmap", "mprotect", "mremap",
		"madvise", "memfd_create",
	)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"futex", "gettid", "tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname", "sysinfo",
			"getrandom",
			"arch_prctl", "prctl",
			"getrlimit", "prlimit64",
			"umask",
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		)
}

func filesystemWriteSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"chmod", "fchmod", "fchmodat",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat",
		"link", "linkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync", "flock",
		"copy_file_range",
	)
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot", "swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare", "acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl", "personality", "lookup_dcookie",
			"ioperm", "iopl",
		)
}

// ForOptions builds a deny-by-default profile for a sandboxed interpreter.
// Dangerous syscalls are always appended last so they trap or fail even if an
// earlier group listed them.
func ForOptions(opts Options) *specs.LinuxSeccomp {
	b := NewBuilder()
	b = ioSyscalls(b)
	b = memorySyscalls(b)
	b = processSyscalls(b)
	if opts.Filesystem {
		b = filesystemWriteSyscalls(b)
	}
	if opts.Network {
		b = networkSyscalls(b)
	}
	b = dangerousSyscalls(b)
	return b.Build()
}

// DefaultProfile is the strictest profile: no sockets, no filesystem mutation.
func DefaultProfile() *specs.LinuxSeccomp {
	return ForOptions(Options{})
}

// NetworkAllowProfile adds the socket family to the default profile.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	return ForOptions(Options{Network: true})
}
