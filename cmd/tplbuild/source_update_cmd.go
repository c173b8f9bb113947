package main

import "github.com/banksean/tplbuild/internal/app"

// SourceUpdateCmd force-refreshes the locked digest for every source
// image the project references.
type SourceUpdateCmd struct {
	Profile  string   `help:"profile name (defaults to the project's default_profile)"`
	Platform []string `help:"platform(s) to refresh; defaults to every platform in tplbuild.yml"`
}

func (c *SourceUpdateCmd) Run(cctx *Context) error {
	r, err := app.Load(cctx.ProjectFile, cctx.UserFile, cctx.StateFile)
	if err != nil {
		return err
	}
	if err := r.SourceUpdate(cctx.Context, app.Options{Profile: c.Profile, Platforms: c.Platform}); err != nil {
		return err
	}
	return r.State.Flush()
}
