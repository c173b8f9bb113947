package main

import (
	"fmt"

	"github.com/banksean/tplbuild/internal/app"
)

// BaseLookupCmd reports each base stage's resolved digest per platform
// without building anything.
type BaseLookupCmd struct {
	Profile  string   `help:"profile name (defaults to the project's default_profile)"`
	Platform []string `help:"platform(s) to report on; defaults to every platform in tplbuild.yml"`
	Stage    []string `arg:"" optional:"" help:"base stage name(s); defaults to every base stage"`
}

func (c *BaseLookupCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}

	byPlatform, err := r.BaseLookup(cctx.Context, app.Options{
		Profile:   c.Profile,
		Platforms: c.Platform,
		Stages:    c.Stage,
	})
	if err != nil {
		return err
	}

	for platform, stages := range byPlatform {
		for stage, digest := range stages {
			if digest == "" {
				digest = "(not built)"
			}
			fmt.Printf("%s\t%s\t%s\n", platform, stage, digest)
		}
	}
	return nil
}
