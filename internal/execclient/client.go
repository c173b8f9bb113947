package execclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"time"

	"github.com/banksean/tplbuild/internal/errs"
)

// Vars is the template variable set recognised by user-config command
// templates.
type Vars struct {
	Image        string
	SourceImage  string
	TargetImage  string
	Platform     string
	Dependencies []string
	Args         map[string]string
	Environment  map[string]string

	// DockerfilePath is the path to the rendered sub-Dockerfile written
	// for this invocation; not one of the named template variables, but
	// needed by the default presets' --file flag.
	DockerfilePath string
}

// CommandTemplate is one entry of `client.commands` in user config: a
// small template that expands to an argv vector plus environment
// overrides, keeping builder-specific logic out of the executor.
type CommandTemplate struct {
	Argv []string
	Env  map[string]string
}

func (c CommandTemplate) render(v Vars) (argv []string, env []string, err error) {
	for i, a := range c.Argv {
		rendered, rerr := renderOne(fmt.Sprintf("argv[%d]", i), a, v)
		if rerr != nil {
			return nil, nil, rerr
		}
		// A template producing a range (e.g. one --build-arg per entry)
		// yields embedded newlines; split those into separate argv
		// tokens rather than passing one multi-line token to exec.
		for _, tok := range strings.Split(rendered, "\n") {
			if tok != "" {
				argv = append(argv, tok)
			}
		}
	}
	for k, tmpl := range c.Env {
		rendered, rerr := renderOne("env:"+k, tmpl, v)
		if rerr != nil {
			return nil, nil, rerr
		}
		env = append(env, k+"="+rendered)
	}
	return argv, env, nil
}

func renderOne(name, tmpl string, v Vars) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", &errs.ConfigError{Path: "client.commands", Msg: name, Err: err}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", &errs.ConfigError{Path: "client.commands", Msg: name, Err: err}
	}
	return buf.String(), nil
}

// Commands is the full `client.commands` table from user config.
type Commands struct {
	Build    CommandTemplate
	Tag      CommandTemplate
	Push     CommandTemplate
	Pull     CommandTemplate
	Untag    CommandTemplate
	Platform CommandTemplate
}

// DockerCommands is the built-in preset for `client.type: docker`.
func DockerCommands() Commands {
	return Commands{
		Build: CommandTemplate{Argv: []string{
			"docker", "build",
			"--platform", "{{.Platform}}",
			"--tag", "{{.TargetImage}}",
			"--file", "{{.DockerfilePath}}",
			"{{range $k, $v := .Args}}--build-arg\n{{$k}}={{$v}}\n{{end}}",
			"-",
		}},
		Tag:   CommandTemplate{Argv: []string{"docker", "tag", "{{.SourceImage}}", "{{.TargetImage}}"}},
		Push:  CommandTemplate{Argv: []string{"docker", "push", "{{.Image}}"}},
		Pull:  CommandTemplate{Argv: []string{"docker", "pull", "--platform", "{{.Platform}}", "{{.Image}}"}},
		Untag: CommandTemplate{Argv: []string{"docker", "rmi", "{{.Image}}"}},
		// Deliberately not using the builder's own --format templating
		// here: its `{{ }}` syntax would collide with ours. Plain
		// `docker version` output is parsed by platformFromVersion instead.
		Platform: CommandTemplate{Argv: []string{"docker", "version"}},
	}
}

// BuildxCommands is the built-in preset for `client.type: buildx`.
func BuildxCommands() Commands {
	c := DockerCommands()
	c.Build.Argv = append([]string{"docker", "buildx", "build", "--load"}, c.Build.Argv[2:]...)
	return c
}

// PodmanCommands is the built-in preset for `client.type: podman`.
func PodmanCommands() Commands {
	c := DockerCommands()
	for _, t := range []*CommandTemplate{&c.Build, &c.Tag, &c.Push, &c.Pull, &c.Untag, &c.Platform} {
		if len(t.Argv) > 0 {
			t.Argv[0] = "podman"
		}
	}
	return c
}

// Client runs builder-client operations as subprocesses described by
// Commands: a pluggable builder-client abstraction over docker, buildx,
// podman, or any CLI that speaks the same verbs.
type Client struct {
	Commands Commands

	// GracePeriod is how long Cancel waits between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

// New builds a Client. grace defaults to 10s when zero.
func New(cmds Commands, grace time.Duration) *Client {
	if grace == 0 {
		grace = 10 * time.Second
	}
	return &Client{Commands: cmds, GracePeriod: grace}
}


// Build runs one chain's builder invocation: the in-line Dockerfile text
// for this plan entry, a context tarball stream, the target tag,
// platform, and the tags this invocation's FROM/COPY --from depend on.
// It returns the digest the builder reports for the result.
func (c *Client) Build(ctx context.Context, dockerfile string, contextTar io.Reader, tag, platform string, extraDeps []string, buildArgs map[string]string) (string, error) {
	dfPath, cleanup, err := writeTempDockerfile(dockerfile)
	if err != nil {
		return "", &errs.BuildError{Tag: tag, Stderr: []string{err.Error()}}
	}
	defer cleanup()

	argv, env, err := c.Commands.Build.render(Vars{
		TargetImage: tag, Platform: platform, Dependencies: extraDeps, Args: buildArgs,
		DockerfilePath: dfPath,
	})
	if err != nil {
		return "", err
	}
	stdout, err := c.run(ctx, tag, argv, env, contextTar)
	if err != nil {
		return "", err
	}
	return lastDigest(stdout), nil
}

// Tag retags src as dst.
func (c *Client) Tag(ctx context.Context, src, dst string) error {
	argv, env, err := c.Commands.Tag.render(Vars{SourceImage: src, TargetImage: dst})
	if err != nil {
		return err
	}
	_, err = c.run(ctx, dst, argv, env, nil)
	return err
}

// Push pushes image to its registry.
func (c *Client) Push(ctx context.Context, image string) error {
	argv, env, err := c.Commands.Push.render(Vars{Image: image})
	if err != nil {
		return err
	}
	_, err = c.run(ctx, image, argv, env, nil)
	return err
}

// Pull pulls image for platform.
func (c *Client) Pull(ctx context.Context, image, platform string) error {
	argv, env, err := c.Commands.Pull.render(Vars{Image: image, Platform: platform})
	if err != nil {
		return err
	}
	_, err = c.run(ctx, image, argv, env, nil)
	return err
}

// Untag removes a local tag. Used for intermediate-tag cleanup; failures
// are logged but not fatal, since cleanup runs on every exit path
// including after a build failure.
func (c *Client) Untag(ctx context.Context, image string) error {
	argv, env, err := c.Commands.Untag.render(Vars{Image: image})
	if err != nil {
		return err
	}
	_, err = c.run(ctx, image, argv, env, nil)
	return err
}

// Platform reports the builder's native "os/arch".
func (c *Client) Platform(ctx context.Context) (string, error) {
	argv, env, err := c.Commands.Platform.render(Vars{})
	if err != nil {
		return "", err
	}
	stdout, err := c.run(ctx, "", argv, env, nil)
	if err != nil {
		return "", err
	}
	return platformFromVersion(stdout), nil
}

// platformFromVersion extracts "os/arch" from `docker version`'s plain
// text output, which prints an "OS/Arch:" line per section.
func platformFromVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, "OS/Arch:"); idx >= 0 {
			return strings.TrimSpace(line[idx+len("OS/Arch:"):])
		}
	}
	return ""
}

// run spawns the builder subprocess, streams its stdout/stderr to slog,
// and honours ctx cancellation with SIGTERM-then-SIGKILL, mirroring
// images.go's ImagesSvc.Build streaming pattern. tag is used only to
// label a resulting BuildError.
func (c *Client) run(ctx context.Context, tag string, argv []string, env []string, stdin io.Reader) (stdout string, err error) {
	if len(argv) == 0 {
		return "", &errs.BuildError{Tag: tag, Stderr: []string{"empty command template"}}
	}
	// A plain exec.Command, not CommandContext: cancellation is handled
	// below via cancel()'s grace period rather than an immediate kill.
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.Stdin = stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", &errs.BuildError{Tag: tag, Stderr: []string{err.Error()}}
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", &errs.BuildError{Tag: tag, Stderr: []string{err.Error()}}
	}

	slog.InfoContext(ctx, "execclient.run", "argv", strings.Join(argv, " "))

	if err := cmd.Start(); err != nil {
		return "", &errs.BuildError{Tag: tag, Stderr: []string{err.Error()}}
	}

	var outBuf bytes.Buffer
	var errLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyLogged(outPipe, &outBuf) }()
	go func() { defer wg.Done(); errLines = collectTail(errPipe, 50) }()

	waitDone := make(chan error, 1)
	go func() { wg.Wait(); waitDone <- cmd.Wait() }()

	select {
	case werr := <-waitDone:
		if werr != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			return outBuf.String(), &errs.BuildError{Tag: tag, ExitCode: exitCode, Stderr: errLines}
		}
		return outBuf.String(), nil
	case <-ctx.Done():
		c.cancel(cmd)
		<-waitDone
		return outBuf.String(), errs.ErrCancelled
	}
}

// cancel sends SIGTERM, waits out the grace period, then SIGKILLs.
func (c *Client) cancel(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(c.GracePeriod)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Kill()
}

// copyLogged copies r into buf line by line, logging each line at debug
// level as it streams, per images.go's build-output streaming pattern.
func copyLogged(r io.Reader, buf *bytes.Buffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		slog.Debug("execclient.stdout", "line", line)
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// collectTail returns the last n lines read from r, for BuildError's
// stderr-tail reporting.
func collectTail(r io.Reader, n int) []string {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		slog.Debug("execclient.stderr", "line", line)
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}

// writeTempDockerfile persists one plan entry's rendered sub-Dockerfile
// so builders that require a real --file path (rather than stdin, which
// here instead carries the context tar) can read it.
func writeTempDockerfile(content string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "tplbuild-*.Dockerfile")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// lastDigest scans builder output bottom-up for the last "sha256:..."
// token, which buildkit-style builders print as the result digest.
func lastDigest(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if idx := strings.Index(line, "sha256:"); idx >= 0 {
			return line[idx:]
		}
	}
	return ""
}
