// Package app wires the parser, graph builder, hasher, registry client,
// planner, executor, and state store into the handful of end-to-end
// operations the CLI exposes, so each CLI subcommand stays a thin wrapper
// instead of re-implementing the pipeline.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/banksean/tplbuild/internal/buildcontext"
	"github.com/banksean/tplbuild/internal/config"
	"github.com/banksean/tplbuild/internal/dockerfile"
	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/execclient"
	"github.com/banksean/tplbuild/internal/executor"
	"github.com/banksean/tplbuild/internal/graph"
	"github.com/banksean/tplbuild/internal/hash"
	"github.com/banksean/tplbuild/internal/plan"
	"github.com/banksean/tplbuild/internal/registry"
	"github.com/banksean/tplbuild/internal/render"
	"github.com/banksean/tplbuild/internal/state"
)

// Runner holds every long-lived collaborator an invocation needs.
type Runner struct {
	Project  *config.Project
	User     *config.User
	State    *state.Store
	Renderer *render.Renderer
	Registry registry.Client
	Builder  *execclient.Client

	statePath string
}

// Load reads project config, user config, and the state store, and
// constructs the renderer and builder-client from them.
func Load(projectPath, userPath, statePath string) (*Runner, error) {
	proj, err := config.LoadProject(projectPath)
	if err != nil {
		return nil, err
	}
	user, err := config.LoadUser(userPath)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(statePath)
	if err != nil {
		return nil, err
	}
	r, err := render.New(proj.TemplatePaths)
	if err != nil {
		return nil, err
	}
	cmds, err := user.Commands()
	if err != nil {
		return nil, err
	}
	var creds registry.CredentialHelper
	if helper := user.Auth["helper"]; helper != "" {
		creds = &registry.HelperCredentialHelper{ProgramName: helper}
	}
	reg, err := registry.New(creds, registry.TLSConfig(user.Registry.SSLContext), registry.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}

	return &Runner{
		Project:   proj,
		User:      user,
		State:     st,
		Renderer:  r,
		Registry:  reg,
		Builder:   execclient.New(cmds, 0),
		statePath: statePath,
	}, nil
}

// Options parameterises the top-level operations.
type Options struct {
	Profile       string
	Platforms     []string // defaults to Project.Platforms
	Stages        []string // empty means every publishable/base stage
	Debug         bool     // preserve intermediate tags
	UpdateSalt    bool
	UpdateSources bool
	Check         bool // plan only: never invoke the builder, never persist state to disk
	Parallelism   int
}

func (o Options) platforms(p *config.Project) []string {
	if len(o.Platforms) > 0 {
		return o.Platforms
	}
	return p.Platforms
}

func (o Options) parallelism(u *config.User) int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return u.Parallelism
}

// PlatformResult is one platform's plan and (if executed) build outcome.
type PlatformResult struct {
	Platform string
	Entries  []*plan.Entry
	Result   *executor.Result // nil when Options.Check is set
}

// stageFilter reports whether name passes the --stages positional filter.
func stageFilter(names []string) func(string) bool {
	if len(names) == 0 {
		return func(string) bool { return true }
	}
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(s string) bool { return set[s] }
}

// renderTemplate expands a tplbuild.yml name template (stage_image_name,
// stage_push_name, base_image_repo) against a small, fixed variable set.
func renderTemplate(text string, vars map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New("name").Parse(text)
	if err != nil {
		return "", &errs.ConfigError{Path: text, Msg: "parsing name template", Err: err}
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", &errs.ConfigError{Path: text, Msg: "rendering name template", Err: err}
	}
	return b.String(), nil
}

// buildGraph renders the entrypoint, parses it, and lowers it into a
// typed DAG for one platform/profile combination.
func (r *Runner) buildGraph(profile, platform string) (*graph.Graph, error) {
	vars, _ := r.Project.Profile(profile)
	text, err := r.Renderer.Render(r.Project.TemplateEntrypoint, render.Context{
		Profile:    profile,
		Vars:       vars,
		UserConfig: userConfigVars(r.User),
	})
	if err != nil {
		return nil, err
	}

	parsed, err := dockerfile.Parse(text)
	if err != nil {
		return nil, err
	}

	configuredCtxs := map[string]bool{}
	for name := range r.Project.Contexts {
		configuredCtxs[name] = true
	}
	stageOverrides := map[string]*bool{}
	for name, sc := range r.Project.Stages {
		if sc.Base != nil {
			stageOverrides[name] = sc.Base
		}
	}

	g, err := graph.Build(graph.Input{
		Stages:         parsed.Stages,
		Platform:       platform,
		Profile:        profile,
		ConfiguredCtxs: configuredCtxs,
		BasePrefixes:   dockerfile.DefaultBasePrefixes,
		AnonPrefixes:   dockerfile.DefaultAnonPrefixes,
		StageOverrides: stageOverrides,
	})
	if err != nil {
		return nil, err
	}

	if err := r.assignPublishTags(g, profile, platform); err != nil {
		return nil, err
	}
	return g, nil
}

// assignPublishTags renders stage_image_name/stage_push_name (and any
// per-stage overrides) for every StageImage node.
func (r *Runner) assignPublishTags(g *graph.Graph, profile, platform string) error {
	for _, n := range g.Nodes {
		if n.Kind != graph.KindStageImage {
			continue
		}
		vars := map[string]string{"Stage": n.StageName, "Profile": profile, "Platform": platform}

		var names []string
		if sc, ok := r.Project.Stages[n.StageName]; ok && len(sc.ImageNames) > 0 {
			names = sc.ImageNames
		} else if r.Project.StageImageName != "" {
			name, err := renderTemplate(r.Project.StageImageName, vars)
			if err != nil {
				return err
			}
			names = []string{name}
		}

		if sc, ok := r.Project.Stages[n.StageName]; ok && len(sc.PushNames) > 0 {
			names = append(names, sc.PushNames...)
		} else if r.Project.StagePushName != "" {
			name, err := renderTemplate(r.Project.StagePushName, vars)
			if err != nil {
				return err
			}
			names = append(names, name)
		}
		n.PublishTags = names
	}
	return nil
}

// userConfigVars exposes the subset of user config templates can read.
func userConfigVars(u *config.User) map[string]any {
	return map[string]any{
		"client_type": u.Client.Type,
		"parallelism": u.Parallelism,
	}
}

// resolveSources locks every distinct SourceImage to a registry digest,
// consulting the state store's cache and, when persist is true, updating it
// on disk. Callers that must not mutate on-disk state (a --check dry run, or
// a plain lookup that documents "without updating anything") pass
// persist=false: newly-resolved digests still populate n.Digest in memory
// for this run, they just never reach the state file.
func (r *Runner) resolveSources(ctx context.Context, g *graph.Graph, forceUpdate, persist bool) error {
	dirty := false
	for _, n := range g.Nodes {
		if n.Kind != graph.KindSourceImage {
			continue
		}
		if !forceUpdate {
			if d, ok := r.State.SourceDigest(n.Repo, n.Tag, n.Platform); ok {
				n.Digest = d
				continue
			}
		}
		d, err := r.Registry.ResolveDigest(ctx, n.Repo, n.Tag, n.Platform)
		if err != nil {
			return err
		}
		n.Digest = d
		if persist {
			r.State.SetSourceDigest(n.Repo, n.Tag, n.Platform, d)
			dirty = true
		}
	}
	if !dirty {
		return nil
	}
	return r.State.Flush()
}

// hashAll computes and stores ContentHash (and, for ContextImage nodes,
// FilesHash) across the whole graph.
func (r *Runner) hashAll(ctx context.Context, g *graph.Graph, platform string) error {
	for name, n := range g.ContextImages {
		cc := r.Project.Contexts[name]
		fh, err := buildcontext.Hash(&buildcontext.Context{
			Name: name, BaseDir: cc.BaseDir, Umask: cc.Umask, IgnoreFile: cc.IgnoreFile, Ignore: cc.Ignore,
		})
		if err != nil {
			return err
		}
		n.FilesHash = fh
	}

	h := hash.New(r.State.Salt())
	for _, n := range g.Nodes {
		v, err := h.Hash(n)
		if err != nil {
			return err
		}
		n.ContentHash = v
	}
	slog.DebugContext(ctx, "hashAll complete", "platform", platform, "nodes", len(g.Nodes))
	return nil
}

// probeBases determines, for every BaseImage node, whether a matching
// manifest already exists in base_image_repo, returning the Satisfied
// closure plan.Build expects.
func (r *Runner) probeBases(ctx context.Context, g *graph.Graph, platform string, forceStale bool) (plan.Satisfied, error) {
	refs := map[*graph.Node]string{}
	for _, n := range g.Nodes {
		if n.Kind != graph.KindBaseImage {
			continue
		}
		tag := fmt.Sprintf("%s-%s", n.ContentHash, n.Platform)
		ref := r.Project.BaseImageRepo + ":" + tag
		if !forceStale {
			if d, ok := r.State.BaseDigest(n.ContentHash, n.Platform); ok {
				n.ResolvedDigest = d
				refs[n] = ref
				continue
			}
		}
		digest, ok, err := r.Registry.Probe(ctx, r.Project.BaseImageRepo, tag, platform)
		if err != nil {
			return nil, err
		}
		if ok {
			n.ResolvedDigest = digest
			r.State.SetBaseDigest(n.ContentHash, n.Platform, digest)
			refs[n] = ref
		}
	}
	return func(n *graph.Node) (string, bool) {
		ref, ok := refs[n]
		return ref, ok
	}, nil
}

func sourceRef(n *graph.Node) string { return fmt.Sprintf("%s@%s", n.Repo, n.Digest) }

// targets collects the StageImage or BaseImage nodes requested by name.
func targets(g *graph.Graph, kind graph.Kind, filter func(string) bool) []*graph.Node {
	var out []*graph.Node
	for _, n := range g.Nodes {
		if n.Kind != kind {
			continue
		}
		if filter(n.StageName) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageName < out[j].StageName })
	return out
}

// planPlatform runs the render→parse→graph→hash→probe→plan pipeline for
// one platform and returns its entries plus the graph (needed by callers
// that inspect target node metadata after planning).
func (r *Runner) planPlatform(ctx context.Context, profile, platform string, kind graph.Kind, stages []string, opts Options) ([]*plan.Entry, *graph.Graph, error) {
	g, err := r.buildGraph(profile, platform)
	if err != nil {
		return nil, nil, err
	}
	if err := r.resolveSources(ctx, g, opts.UpdateSources, !opts.Check); err != nil {
		return nil, nil, err
	}
	if opts.UpdateSalt {
		r.State.SetSalt(newSalt())
	}
	if err := r.hashAll(ctx, g, platform); err != nil {
		return nil, nil, err
	}
	satisfied, err := r.probeBases(ctx, g, platform, opts.UpdateSalt)
	if err != nil {
		return nil, nil, err
	}

	// Stage images may depend on base images transitively; the planner
	// discovers those through AllDeps(), so targets need only list the
	// requested publish stages.
	ts := targets(g, kind, stageFilter(stages))
	entries, err := plan.Build(ts, satisfied, sourceRef, execclient.DefaultTagNamer())
	if err != nil {
		return nil, nil, err
	}
	return entries, g, nil
}

// contextProvider adapts the project's configured contexts to
// executor.ContextProvider.
type contextProvider struct {
	r *Runner
}

func (cp contextProvider) Tar(name string) (io.Reader, error) {
	cc := cp.r.Project.Contexts[name]
	return buildcontext.Tar(&buildcontext.Context{
		Name: name, BaseDir: cc.BaseDir, Umask: cc.Umask, IgnoreFile: cc.IgnoreFile, Ignore: cc.Ignore,
	})
}

// Build runs `build`: plans and executes every publishable stage image
// (or the subset named by opts.Stages) for every requested platform.
func (r *Runner) Build(ctx context.Context, opts Options) ([]PlatformResult, error) {
	return r.runTargets(ctx, graph.KindStageImage, opts)
}

// BaseBuild runs `base-build`: plans and (unless opts.Check) executes
// every base image.
func (r *Runner) BaseBuild(ctx context.Context, opts Options) ([]PlatformResult, error) {
	return r.runTargets(ctx, graph.KindBaseImage, opts)
}

func (r *Runner) runTargets(ctx context.Context, kind graph.Kind, opts Options) ([]PlatformResult, error) {
	var results []PlatformResult
	for _, platform := range opts.platforms(r.Project) {
		entries, _, err := r.planPlatform(ctx, opts.Profile, platform, kind, opts.Stages, opts)
		if err != nil {
			return results, err
		}
		pr := PlatformResult{Platform: platform, Entries: entries}
		if !opts.Check {
			ex := executor.New(r.Builder, contextProvider{r}, executor.Options{
				Parallelism: opts.parallelism(r.User),
				Debug:       opts.Debug,
			})
			res, err := ex.Run(ctx, entries)
			if err != nil {
				return append(results, pr), err
			}
			pr.Result = res
			if err := r.State.Flush(); err != nil {
				return append(results, pr), err
			}
		}
		results = append(results, pr)
	}
	return results, nil
}

// Publish builds every platform's stage images, pushes each per-platform
// result to the registry, then assembles a multi-arch index per publish
// tag.
func (r *Runner) Publish(ctx context.Context, opts Options) (map[string]string, error) {
	results, err := r.runTargets(ctx, graph.KindStageImage, opts)
	if err != nil {
		return nil, err
	}

	perTagPlatformDigests := map[string]map[string]string{}
	for _, pr := range results {
		for _, e := range pr.Entries {
			if e.Kind != plan.EntryChain || len(e.Chain) == 0 {
				continue
			}
			tail := e.Chain[len(e.Chain)-1]
			if tail.Kind != graph.KindStageImage {
				continue
			}
			for _, pushTag := range e.PublishTags {
				repo, tag := splitRef(pushTag)
				fullRef := repo + ":" + tag
				if err := r.Builder.Tag(ctx, e.OutputTag, fullRef); err != nil {
					return nil, err
				}
				if err := r.Builder.Push(ctx, fullRef); err != nil {
					return nil, err
				}
				digest, err := r.Registry.ResolveDigest(ctx, repo, tag, pr.Platform)
				if err != nil {
					return nil, err
				}
				if perTagPlatformDigests[pushTag] == nil {
					perTagPlatformDigests[pushTag] = map[string]string{}
				}
				perTagPlatformDigests[pushTag][pr.Platform] = digest
			}
		}
	}

	finalDigests := map[string]string{}
	for pushTag, perPlatform := range perTagPlatformDigests {
		repo, tag := splitRef(pushTag)
		digest, err := r.Registry.PushMultiarch(ctx, repo, tag, perPlatform)
		if err != nil {
			return nil, err
		}
		finalDigests[pushTag] = digest
	}
	return finalDigests, nil
}

// BaseLookup reports, per platform, the resolved base-image digests
// without building anything.
func (r *Runner) BaseLookup(ctx context.Context, opts Options) (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	for _, platform := range opts.platforms(r.Project) {
		g, err := r.buildGraph(opts.Profile, platform)
		if err != nil {
			return nil, err
		}
		if err := r.resolveSources(ctx, g, false, false); err != nil {
			return nil, err
		}
		if err := r.hashAll(ctx, g, platform); err != nil {
			return nil, err
		}
		if _, err := r.probeBases(ctx, g, platform, false); err != nil {
			return nil, err
		}
		m := map[string]string{}
		for _, n := range targets(g, graph.KindBaseImage, stageFilter(opts.Stages)) {
			m[n.StageName] = n.ResolvedDigest
		}
		out[platform] = m
	}
	return out, nil
}

// SourceUpdate re-resolves every distinct source image referenced by the
// project and persists the result.
func (r *Runner) SourceUpdate(ctx context.Context, opts Options) error {
	for _, platform := range opts.platforms(r.Project) {
		g, err := r.buildGraph(opts.Profile, platform)
		if err != nil {
			return err
		}
		if err := r.resolveSources(ctx, g, true, true); err != nil {
			return err
		}
	}
	return nil
}

// SourceLookup reports the currently locked digest for every distinct
// source image without updating anything.
func (r *Runner) SourceLookup(ctx context.Context, opts Options) (map[string]string, error) {
	out := map[string]string{}
	for _, platform := range opts.platforms(r.Project) {
		g, err := r.buildGraph(opts.Profile, platform)
		if err != nil {
			return nil, err
		}
		if err := r.resolveSources(ctx, g, false, false); err != nil {
			return nil, err
		}
		for _, n := range g.Nodes {
			if n.Kind == graph.KindSourceImage {
				out[fmt.Sprintf("%s:%s@%s", n.Repo, n.Tag, n.Platform)] = n.Digest
			}
		}
	}
	return out, nil
}

// newSalt mints a fresh project-wide salt for --update-salt to rotate
// into every base-image content hash.
func newSalt() string {
	return uuid.NewString()
}

func splitRef(ref string) (repo, tag string) {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}
