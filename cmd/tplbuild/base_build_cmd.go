package main

import (
	"fmt"
	"os"

	"github.com/banksean/tplbuild/internal/app"
	"github.com/banksean/tplbuild/internal/plan"
)

// BaseBuildCmd builds (or, with --check, only reports on) every base
// image a project declares.
type BaseBuildCmd struct {
	Profile       string   `help:"profile name (defaults to the project's default_profile)"`
	Platform      []string `help:"platform(s) to build; defaults to every platform in tplbuild.yml"`
	Stage         []string `arg:"" optional:"" help:"base stage name(s); defaults to every base stage"`
	Check         bool     `help:"report which base images would need a build without building anything"`
	UpdateSalt    bool     `help:"rotate the project salt before planning, invalidating every base-image content hash"`
	UpdateSources bool     `help:"force-refresh every source-image digest before planning"`
	Debug         bool     `help:"preserve intermediate tags instead of cleaning them up"`
	Parallelism   int      `help:"max concurrent builder invocations"`
}

func (c *BaseBuildCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}

	opts := app.Options{
		Profile:       c.Profile,
		Platforms:     c.Platform,
		Stages:        c.Stage,
		Debug:         c.Debug,
		UpdateSalt:    c.UpdateSalt,
		UpdateSources: c.UpdateSources,
		Check:         c.Check,
		Parallelism:   c.Parallelism,
	}

	results, err := r.BaseBuild(cctx.Context, opts)
	if err != nil {
		return err
	}

	if !c.Check {
		return nil
	}

	staleFound := false
	for _, res := range results {
		for _, e := range res.Entries {
			if e.Kind == plan.EntryNoop {
				continue
			}
			staleFound = true
			fmt.Printf("%s\t%s\tneeds build\n", res.Platform, e.OutputTag)
		}
	}
	if staleFound {
		os.Exit(2)
	}
	fmt.Println("all base images up to date")
	return nil
}
