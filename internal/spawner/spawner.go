package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"mcpbridge/internal/mcperr"
	"mcpbridge/pkg/logging"
)

const defaultInstallSubdir = "mcp_servers"

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Spawner resolves package identifiers to runnable executables and
// spawns them as child processes with piped stdio.
type Spawner struct {
	defaultInstallRoot string
	packageManager     string // e.g. "npm"
}

// New constructs a Spawner. defaultInstallRoot is used when a Config
// does not set InstallRoot; packageManager defaults to "npm" when
// empty.
func New(defaultInstallRoot, packageManager string) *Spawner {
	if defaultInstallRoot == "" {
		defaultInstallRoot = filepath.Join(os.TempDir(), defaultInstallSubdir)
	}
	if packageManager == "" {
		packageManager = "npm"
	}
	return &Spawner{defaultInstallRoot: defaultInstallRoot, packageManager: packageManager}
}

// Spawn produces a live child handle, installing the package first if
// necessary.
func (s *Spawner) Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	command := cfg.Command
	args := cfg.Args
	installDir := ""

	if command == "" {
		if cfg.Package == "" {
			return nil, &mcperr.ConfigurationError{Field: "command", Message: "either command or package must be set"}
		}
		root := cfg.InstallRoot
		if root == "" {
			root = s.defaultInstallRoot
		}
		pkgDir := filepath.Join(root, sanitizePackageName(cfg.Package))

		if err := s.ensureInstalled(ctx, pkgDir, cfg.Package); err != nil {
			return nil, err
		}

		execPath, err := s.resolveExecutable(pkgDir, cfg.Package)
		if err != nil {
			return nil, err
		}

		command, args = prefixInterpreter(execPath)
		args = append(args, cfg.Args...)
		installDir = pkgDir
	}

	return s.spawnChild(command, args, cfg.Env, cfg.WorkingDir, installDir)
}

func sanitizePackageName(pkg string) string {
	return unsafePathChars.ReplaceAllString(pkg, "_")
}

// ensureInstalled reuses an already-installed package directory, or
// creates one and runs the package manager's init+install.
func (s *Spawner) ensureInstalled(ctx context.Context, pkgDir, pkg string) error {
	if _, err := os.Stat(filepath.Join(pkgDir, "package.json")); err == nil {
		logging.Debug("spawner", "reusing existing install at %s", pkgDir)
		return nil
	}

	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return &mcperr.InstallError{Package: pkg, Stderr: err.Error()}
	}

	if err := s.runPackageManager(ctx, pkgDir, pkg, "init", "-y"); err != nil {
		return err
	}
	if err := s.runPackageManager(ctx, pkgDir, pkg, "install", pkg); err != nil {
		return err
	}
	return nil
}

func (s *Spawner) runPackageManager(ctx context.Context, dir, pkg string, args ...string) error {
	cmd := exec.CommandContext(ctx, s.packageManager, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &mcperr.InstallError{Package: pkg, ExitCode: exitCode, Stderr: stderr.String()}
	}
	return nil
}

// resolveExecutable probes a prioritized list of standard locations.
func (s *Spawner) resolveExecutable(pkgDir, pkg string) (string, error) {
	candidates := []string{
		filepath.Join(pkgDir, "node_modules", ".bin", pkg),
		filepath.Join(pkgDir, "node_modules", ".bin", "mcp-server"),
	}

	if m, err := readManifest(pkgDir); err == nil {
		if bin, ok := m.binPath(pkg); ok {
			candidates = append(candidates, filepath.Join(pkgDir, bin))
		}
		if m.Main != "" {
			candidates = append(candidates, filepath.Join(pkgDir, m.Main))
		}
	}

	candidates = append(candidates, filepath.Join(pkgDir, "index.js"))

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", &mcperr.ExecutableNotFoundError{Package: pkg}
}

var interpreterByExt = map[string]string{
	".js":  "node",
	".mjs": "node",
	".py":  "python3",
	".rb":  "ruby",
}

// prefixInterpreter returns (command, args) for a resolved executable
// path: the interpreter and the script path for interpreted scripts, or
// the path alone when it is directly executable.
func prefixInterpreter(execPath string) (string, []string) {
	ext := filepath.Ext(execPath)
	if interp, ok := interpreterByExt[ext]; ok {
		return interp, []string{execPath}
	}
	return execPath, nil
}

func (s *Spawner) spawnChild(command string, args []string, env map[string]string, workingDir, installDir string) (*Handle, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = workingDir

	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = merged
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &mcperr.SpawnError{Command: command, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &mcperr.SpawnError{Command: command, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &mcperr.SpawnError{Command: command, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &mcperr.SpawnError{Command: command, Cause: err}
	}

	return &Handle{
		Cmd:        cmd,
		Pid:        cmd.Process.Pid,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		StartedAt:  time.Now(),
		InstallDir: installDir,
		Command:    command,
		Args:       args,
	}, nil
}
