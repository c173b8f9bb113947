package main

import (
	"fmt"

	"github.com/banksean/tplbuild/internal/app"
)

// PublishCmd builds every platform's stage images and assembles a
// multi-arch manifest per publish tag.
type PublishCmd struct {
	Profile     string   `help:"profile name (defaults to the project's default_profile)"`
	Platform    []string `help:"platform(s) to publish; defaults to every platform in tplbuild.yml"`
	Stage       []string `arg:"" optional:"" help:"stage name(s) to publish; defaults to every publishable stage"`
	Debug       bool     `help:"preserve intermediate tags instead of cleaning them up"`
	Parallelism int      `help:"max concurrent builder invocations"`
}

func (c *PublishCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}

	digests, err := r.Publish(cctx.Context, app.Options{
		Profile:     c.Profile,
		Platforms:   c.Platform,
		Stages:      c.Stage,
		Debug:       c.Debug,
		Parallelism: c.Parallelism,
	})
	if err != nil {
		return err
	}

	for tag, digest := range digests {
		fmt.Printf("%s@%s\n", tag, digest)
	}
	return nil
}
