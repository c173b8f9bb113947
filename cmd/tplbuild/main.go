package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/mitchellh/go-homedir"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/tplbuild/internal/errs"
)

// Context is threaded through every subcommand's Run method.
type Context struct {
	Context     context.Context
	ProjectFile string
	UserFile    string
	StateFile   string
}

// CLI is the top-level flag/command set, parsed by kong.
type CLI struct {
	Project  string `default:"tplbuild.yml" placeholder:"<path>" help:"project config file"`
	UserFile string `default:"~/.tplbuildconfig.yml" placeholder:"<path>" help:"user config file"`
	State    string `default:".tplbuilddata.json" placeholder:"<path>" help:"state/lock file"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"log level"`
	LogFile  string `placeholder:"<path>" help:"write logs to this file (rotated) instead of stderr"`

	Build        BuildCmd        `cmd:"" help:"build stage images"`
	Publish      PublishCmd      `cmd:"" help:"build and push stage images as a multi-arch manifest"`
	BaseBuild    BaseBuildCmd    `cmd:"base-build" help:"build (or check) base images"`
	BaseLookup   BaseLookupCmd   `cmd:"base-lookup" help:"report resolved base-image digests"`
	SourceUpdate SourceUpdateCmd `cmd:"source-update" help:"refresh locked source-image digests"`
	SourceLookup SourceLookupCmd `cmd:"source-lookup" help:"report locked source-image digests"`
	Version      VersionCmd      `cmd:"" help:"print version information"`
	Doc          DocCmd          `cmd:"" help:"print complete command help formatted as markdown"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if c.LogFile != "" {
		// A build can run for hours; rotate rather than let the log grow
		// unbounded.
		w = &lumberjack.Logger{Filename: c.LogFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28, Compress: true}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

const description = `tplbuild renders a templated Dockerfile, builds its graph of ` +
	`base and stage images with maximal step-sharing, and executes the result ` +
	`against a pluggable builder client (docker, buildx, or podman).`

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, ".tplbuild.kong.yml", "~/.tplbuild.kong.yml"),
		kong.Description(description))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.initSlog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	userFile, err := homedir.Expand(cli.UserFile)
	if err != nil {
		userFile = cli.UserFile
	}

	runErr := kctx.Run(&Context{
		Context:     ctx,
		ProjectFile: cli.Project,
		UserFile:    userFile,
		StateFile:   cli.State,
	})
	os.Exit(exitCode(runErr))
}

// exitCode maps a terminal error to the process exit status: 0 success,
// 1 user/config error, 2 build failure, 3 registry error, 130
// cancellation.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrCancelled) {
		return 130
	}
	var cfgErr *errs.ConfigError
	var parseErr *errs.ParseError
	var graphErr *errs.GraphError
	var ctxErr *errs.ContextError
	var buildErr *errs.BuildError
	var regErr *errs.RegistryError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &parseErr), errors.As(err, &graphErr), errors.As(err, &ctxErr):
		fmt.Fprintln(os.Stderr, err)
		return 1
	case errors.As(err, &buildErr):
		fmt.Fprintln(os.Stderr, err)
		for _, line := range buildErr.Stderr {
			fmt.Fprintln(os.Stderr, line)
		}
		return 2
	case errors.As(err, &regErr):
		fmt.Fprintln(os.Stderr, err)
		return 3
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
