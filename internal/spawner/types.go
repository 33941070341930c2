package spawner

import (
	"io"
	"os/exec"
	"time"
)

// Config describes what to spawn: either an opaque package identifier
// to resolve and install, or an explicit command that bypasses
// resolution entirely.
type Config struct {
	Package     string
	Command     string
	Args        []string
	Env         map[string]string
	WorkingDir  string
	InstallRoot string
}

// Handle is the live child process record the Manager takes ownership
// of once Spawn returns.
type Handle struct {
	Cmd        *exec.Cmd
	Pid        int
	Stdin      io.WriteCloser
	Stdout     io.ReadCloser
	Stderr     io.ReadCloser
	StartedAt  time.Time
	InstallDir string
	Command    string
	Args       []string
}
