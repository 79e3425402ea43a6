package sandbox

import (
	"fmt"
	"os"
	"os/exec"
)

// Sandboxer shells out to an external bubblewrap-equivalent tool (out of
// scope per spec.md §1) to launch the runner binary confined to profile.
type Sandboxer struct {
	// BinaryPath is the path to the sandboxer executable.
	BinaryPath string
}

// Command builds the exec.Cmd that launches runnerPath under profile, with
// ipcConn inherited as IPCFdEnvVar (§4.6 step 2, §6). The caller owns
// starting and reaping the returned command.
func (s *Sandboxer) Command(runnerPath string, profile Profile, ipcConn *os.File) *exec.Cmd {
	args := buildArgs(profile)
	args = append(args, "--", runnerPath)

	cmd := exec.Command(s.BinaryPath, args...)
	cmd.ExtraFiles = []*os.File{ipcConn}
	// Go assigns ExtraFiles consecutive fds starting at 3 in the child.
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", IPCFdEnvVar, 3))
	return cmd
}

// buildArgs translates profile into bubblewrap-style flags: a read-only
// root bind with per-path overrides for the excluded paths, a fresh tmpfs
// at the working directory, read-write binds for USB access, all
// capabilities dropped, and the seccomp allow-list (§6).
func buildArgs(profile Profile) []string {
	var args []string

	args = append(args, "--ro-bind", profile.RootBind, "/")
	for _, ex := range profile.Excludes {
		args = append(args, "--tmpfs", ex)
	}
	for _, b := range profile.ReadWriteBinds {
		args = append(args, "--bind", b.Source, b.Target)
	}
	if profile.Tmpfs != "" {
		args = append(args, "--tmpfs", profile.Tmpfs)
		args = append(args, "--chdir", profile.Tmpfs)
	}

	args = append(args, "--cap-drop", "ALL")
	args = append(args, "--seccomp-allow", joinSyscalls(profile.SeccompAllowlist))

	return args
}

func joinSyscalls(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
