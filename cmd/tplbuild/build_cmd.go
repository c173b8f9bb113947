package main

import (
	"fmt"
	"log/slog"

	"github.com/banksean/tplbuild/internal/app"
)

// BuildCmd builds every requested stage image (or all of them) for every
// requested platform (or all configured platforms).
type BuildCmd struct {
	Profile     string   `help:"profile name (defaults to the project's default_profile)"`
	Platform    []string `help:"platform(s) to build; defaults to every platform in tplbuild.yml"`
	Stage       []string `arg:"" optional:"" help:"stage name(s) to build; defaults to every publishable stage"`
	Debug       bool     `help:"preserve intermediate tags instead of cleaning them up"`
	Parallelism int      `help:"max concurrent builder invocations (defaults to the user config value or CPU count)"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}

	results, err := r.Build(cctx.Context, app.Options{
		Profile:     c.Profile,
		Platforms:   c.Platform,
		Stages:      c.Stage,
		Debug:       c.Debug,
		Parallelism: c.Parallelism,
	})
	if err != nil {
		return err
	}

	for _, res := range results {
		slog.InfoContext(cctx.Context, "build complete", "platform", res.Platform, "entries", len(res.Entries))
		for tag, digest := range res.Result.Digests {
			fmt.Printf("%s\t%s\t%s\n", res.Platform, tag, digest)
		}
	}
	return nil
}
