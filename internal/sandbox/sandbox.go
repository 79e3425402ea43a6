// Package sandbox builds the sandbox profile and the sandboxer invocation
// for a runner process (§6): a bubblewrap-equivalent external tool confines
// the runner's filesystem view and syscalls, with exactly the IPC socket
// inherited as a known file descriptor.
package sandbox

// IPCFdEnvVar is the sole environment variable the runner binary reads
// (§6: "Exactly one environment variable: HIVE_IPC_FD").
const IPCFdEnvVar = "HIVE_IPC_FD"

// BindMount is one filesystem bind exposed to the sandboxed process.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Profile is the sandbox profile passed to the sandboxer tool (§6).
type Profile struct {
	// RootBind is the read-only bind of the host root, minus Excludes.
	RootBind string
	// Excludes are carved out of RootBind (§6: "read-only bind of the host
	// root minus /home, /etc/shadow, and the data directory").
	Excludes []string
	// ReadWriteBinds are mounted read-write over the read-only root, for
	// direct probe access (§6: "/dev/bus/usb and /sys/bus/usb").
	ReadWriteBinds []BindMount
	// Tmpfs is mounted fresh at the runner's working directory.
	Tmpfs string
	// SeccompAllowlist is the syscall allow-list (§6): "any other syscall
	// terminates the process with SIGSYS". Stored here so it travels with
	// the profile and stays bit-identical across releases, per spec.
	SeccompAllowlist []string
}

// usbBindMounts grant direct, read-write probe access inside the sandbox.
var usbBindMounts = []BindMount{
	{Source: "/dev/bus/usb", Target: "/dev/bus/usb"},
	{Source: "/sys/bus/usb", Target: "/sys/bus/usb"},
}

// seccompAllowlist is the exact syscall set a dynamically linked process
// needs to read/write an IPC socket, ioctl USB devices, read /sys, create
// threads, mmap, futex, and exit (§6). Order is insertion order, not
// alphabetical, so a diff against a prior release's profile stays legible.
var seccompAllowlist = []string{
	"read", "write", "close", "ioctl",
	"openat", "newfstatat", "fstat", "lseek",
	"mmap", "munmap", "mprotect", "brk",
	"futex", "clone", "clone3", "set_robust_list", "rseq",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"sched_yield", "sched_getaffinity", "nanosleep", "clock_gettime",
	"epoll_create1", "epoll_ctl", "epoll_wait", "eventfd2", "pipe2",
	"getrandom", "exit", "exit_group",
}

// DefaultProfile builds the §6 sandbox profile for a runner whose working
// directory is workDir and whose data directory (excluded from the
// read-only root bind) is dataDir.
func DefaultProfile(workDir, dataDir string) Profile {
	return Profile{
		RootBind:         "/",
		Excludes:         []string{"/home", "/etc/shadow", dataDir},
		ReadWriteBinds:   append([]BindMount(nil), usbBindMounts...),
		Tmpfs:            workDir,
		SeccompAllowlist: append([]string(nil), seccompAllowlist...),
	}
}
