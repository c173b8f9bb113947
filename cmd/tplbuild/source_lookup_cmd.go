package main

import (
	"fmt"

	"github.com/banksean/tplbuild/internal/app"
)

// SourceLookupCmd reports the currently locked digest for every distinct
// source image without refreshing anything.
type SourceLookupCmd struct {
	Profile  string   `help:"profile name (defaults to the project's default_profile)"`
	Platform []string `help:"platform(s) to report on; defaults to every platform in tplbuild.yml"`
}

func (c *SourceLookupCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}
	locks, err := r.SourceLookup(cctx.Context, app.Options{Profile: c.Profile, Platforms: c.Platform})
	if err != nil {
		return err
	}
	for key, digest := range locks {
		fmt.Printf("%s\t%s\n", key, digest)
	}
	return nil
}
