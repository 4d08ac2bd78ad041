// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/xmaps"
	"zombiezen.com/go/log"
)

// backendFailureStatus is the exit status recorded
// when the executor fails to run a command at all.
const backendFailureStatus = 99

// tailLines is the number of log lines included in a [CommandError].
const tailLines = 200

// Mount types for [Mount.Type].
const (
	MountBind  = "bind"
	MountTmpfs = "tmpfs"
	MountProc  = "proc"
)

// Mount is an extra filesystem mounted for the duration of a command.
type Mount struct {
	// Source is the host path for bind mounts.
	Source string
	// Target is the path inside the sandbox.
	Target  string
	Type    string
	Options string
}

// Config describes the isolation a command runs under.
type Config struct {
	// Root is the host directory that becomes the command's filesystem root.
	Root string
	// Cwd is the working directory, as seen from Root.
	Cwd string
	// Writable lists the paths (as seen from Root) that the command may modify.
	// It is ignored if WritableAll is set.
	Writable    []string
	WritableAll bool
	Mounts      []Mount
	// IsolateMounts runs the command in a private mount namespace.
	IsolateMounts bool
	// IsolateNetwork denies the command network access.
	IsolateNetwork bool
}

// Capabilities is the set of isolation features an [Executor] supports.
type Capabilities struct {
	Chroot   bool
	Mounts   bool
	Network  bool
	ReadOnly bool
}

// DegradeConfig returns a copy of cfg with any features
// the executor does not support removed.
func DegradeConfig(cfg Config, caps Capabilities) Config {
	if !caps.ReadOnly {
		cfg.Writable = nil
		cfg.WritableAll = true
	}
	if !caps.Mounts {
		cfg.Mounts = nil
		cfg.IsolateMounts = false
	}
	if !caps.Network {
		cfg.IsolateNetwork = false
	}
	return cfg
}

// Command is a single program invocation for an [Executor].
type Command struct {
	Config
	Argv []string
	Env  []string
	// Output receives the command's standard output and standard error.
	Output io.Writer
}

// Executor runs commands in isolation.
type Executor interface {
	Capabilities() Capabilities
	// Run runs cmd to completion and returns its exit status.
	// A non-nil error means the command could not be run.
	Run(ctx context.Context, cmd *Command) (exitCode int, err error)
}

// HostExecutor runs commands directly on the host
// in the directory the command's root and working directory name.
// It provides no isolation.
type HostExecutor struct{}

// Capabilities returns the zero value.
func (HostExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Run runs cmd as a host subprocess.
func (HostExecutor) Run(ctx context.Context, cmd *Command) (int, error) {
	if len(cmd.Argv) == 0 {
		return -1, fmt.Errorf("run: empty command")
	}
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	setCancelFunc(c)
	c.Env = cmd.Env
	c.Dir = hostDir(cmd.Root, cmd.Cwd)
	c.Stdout = cmd.Output
	c.Stderr = cmd.Output
	return exitStatus(c.Run())
}

func hostDir(root, cwd string) string {
	if root == "" || root == "/" || !filepath.IsAbs(root) {
		return cwd
	}
	return filepath.Join(root, cwd)
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (m *Manager) executor() Executor {
	if m.Executor == nil {
		return DefaultExecutor()
	}
	return m.Executor
}

// Run runs a shell command from the definition's build steps in the sandbox,
// appending its output to the build log.
// MAKEFLAGS is removed from env for the command unless allowParallel is true.
// env is left as it was found.
// A command that exits unsuccessfully produces a [*CommandError].
func (sb *Sandbox) Run(ctx context.Context, command string, env map[string]string, allowParallel bool) error {
	def := sb.Def
	cfg := sb.manager.Config
	log.Debugf(ctx, "%s: Running command:\n%s", def.Name, command)
	if err := appendLog(sb.Log, "# # "+command+"\n"); err != nil {
		return err
	}

	var ccacheMount []Mount
	if !cfg.NoCcache && def.Repo != "" && env["CCACHE_DIR"] != "" {
		name := strings.TrimSuffix(filepath.Base(def.Repo), ".git")
		src := filepath.Join(cfg.CcacheDir, name)
		if err := os.MkdirAll(src, 0o777); err != nil {
			return fmt.Errorf("%s: %v", def.Path, err)
		}
		ccacheMount = append(ccacheMount, Mount{Source: src, Target: env["CCACHE_DIR"], Type: MountBind})
	}

	var config Config
	if def.IsBootstrap() {
		config = Config{
			Root:           "/",
			Cwd:            sb.Checkout,
			Writable:       []string{sb.Checkout, sb.InstallDir, sb.Tmp},
			IsolateMounts:  true,
			IsolateNetwork: true,
		}
	} else {
		config = Config{
			Root: sb.Root,
			Cwd:  "/" + filepath.Base(sb.Checkout),
			Mounts: append([]Mount{
				{Target: "/dev/shm", Type: MountTmpfs},
				{Target: "/proc", Type: MountProc},
			}, ccacheMount...),
			IsolateMounts:  true,
			IsolateNetwork: true,
		}
		if def.Kind == defs.KindSystem {
			config.WritableAll = true
		} else {
			config.Writable = []string{
				"/" + filepath.Base(sb.Checkout),
				"/" + filepath.Base(sb.InstallDir),
				"/dev",
				"/proc",
				"/tmp",
			}
		}
	}
	executor := sb.manager.executor()
	config = DegradeConfig(config, executor.Capabilities())

	if makeflags, ok := env["MAKEFLAGS"]; ok {
		defer func() { env["MAKEFLAGS"] = makeflags }()
		if !allowParallel {
			delete(env, "MAKEFLAGS")
		}
	}

	argv := []string{"sh", "-c", "-e", command}
	if err := logEnv(sb.Log, env, quoteArgs(argv)); err != nil {
		return err
	}
	logFile, err := os.OpenFile(sb.Log, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("%s: %v", def.Path, err)
	}
	exitCode, runErr := executor.Run(ctx, &Command{
		Config: config,
		Argv:   argv,
		Env:    xmaps.Environ(env),
		Output: logFile,
	})
	logFile.Close()
	if runErr != nil {
		log.Errorf(ctx, "%s: in run: %v", def.Name, runErr)
		exitCode = backendFailureStatus
	}
	if exitCode != 0 {
		return sb.commandFailed(ctx, argv, exitCode)
	}
	return nil
}

// RunLogged runs a program on the host with its output going to the build log.
// If env is nil, the program inherits this process's environment.
func (sb *Sandbox) RunLogged(ctx context.Context, argv []string, env []string) error {
	return sb.runLogged(ctx, argv, env, sb.Root)
}

func (sb *Sandbox) runLogged(ctx context.Context, argv []string, env []string, dir string) error {
	if env == nil {
		env = os.Environ()
	}
	envMap := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		envMap[k] = v
	}
	if err := logEnv(sb.Log, envMap, quoteArgs(argv)); err != nil {
		return err
	}
	logFile, err := os.OpenFile(sb.Log, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("%s: %v", sb.Def.Path, err)
	}
	defer logFile.Close()
	exitCode, err := HostExecutor{}.Run(ctx, &Command{
		Argv:   argv,
		Env:    env,
		Output: logFile,
		Config: Config{Cwd: dir},
	})
	if err != nil {
		log.Errorf(ctx, "%s: in run: %v", sb.Def.Name, err)
		exitCode = backendFailureStatus
	}
	if exitCode != 0 {
		return sb.commandFailed(ctx, argv, exitCode)
	}
	return nil
}

// Ldconfig refreshes the dynamic linker cache inside the sandbox
// if the sandbox has a linker configuration file.
func (sb *Sandbox) Ldconfig(ctx context.Context) error {
	conf := filepath.Join(sb.Root, "etc", "ld.so.conf")
	if _, err := os.Stat(conf); err != nil {
		log.Debugf(ctx, "%s: No %s, not running ldconfig", sb.Def.Name, conf)
		return nil
	}
	pathList := os.Getenv("PATH") + ":/sbin:/usr/sbin:/usr/local/sbin"
	prog := lookPath("ldconfig", pathList)
	if prog == "" {
		return fmt.Errorf("%s: ldconfig not found in %s", sb.Def.Path, pathList)
	}
	env := append(os.Environ(), "PATH="+pathList)
	return sb.RunLogged(ctx, []string{prog, "-r", sb.Root}, env)
}

func lookPath(name, pathList string) string {
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return p
		}
	}
	return ""
}

func (sb *Sandbox) commandFailed(ctx context.Context, argv []string, exitCode int) error {
	tail, err := tailFile(sb.Log, tailLines)
	if err != nil {
		log.Warnf(ctx, "%s: read log: %v", sb.Def.Name, err)
	}
	log.Errorf(ctx, "%s: ERROR: command failed in directory %s:\n\n%s\n\n%s",
		sb.Def.Name, sb.Root, quoteArgs(argv), strings.Join(tail, "\n"))
	return &CommandError{
		Path:     sb.Def.Path,
		Argv:     argv,
		ExitCode: exitCode,
		Log:      sb.Log,
		Dir:      sb.Root,
		Tail:     tail,
	}
}

// CommandError is returned when a build command exits unsuccessfully.
type CommandError struct {
	// Path is the definition being built.
	Path     string
	Argv     []string
	ExitCode int
	// Log is the path to the build log.
	Log string
	// Dir is the sandbox the command ran in.
	Dir string
	// Tail is the end of the build log.
	Tail []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: command failed (exit status %d): %s (log at %s)",
		e.Path, e.ExitCode, quoteArgs(e.Argv), e.Log)
}

func appendLog(path string, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	_, err = io.WriteString(f, s)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

var urlCredentials = regexp.MustCompile(`(https://)[^@/]*@`)

// logEnv appends env and a trailing message to the log at path.
// Secrets are redacted.
func logEnv(path string, env map[string]string, message string) error {
	sb := new(strings.Builder)
	for k, v := range xmaps.Sorted(env) {
		switch {
		case strings.Contains(k, "PASSWORD"):
			v = "(hidden)"
		case strings.Contains(strings.ToUpper(k), "URL"):
			v = urlCredentials.ReplaceAllString(v, "$1")
		}
		fmt.Fprintf(sb, "%s=%s\n", k, v)
	}
	sb.WriteString(message)
	sb.WriteString("\n\n")
	return appendLog(path, sb.String())
}

// tailFile returns the last n lines of the file at path.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		lines = append(lines, s.Text())
		if len(lines) > 2*n {
			lines = append(lines[:0], lines[len(lines)-n:]...)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, s.Err()
}

// quoteArgs formats argv as a shell command line.
func quoteArgs(argv []string) string {
	sb := new(strings.Builder)
	for i, arg := range argv {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(shellQuote(arg))
	}
	return sb.String()
}

var shellSafe = regexp.MustCompile(`^[-A-Za-z0-9_@%+=:,./]+$`)

func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
