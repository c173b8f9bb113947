// Package executor runs a plan against a builder-client with bounded
// parallelism. Its scheduling model borrows the bounded acquire/release,
// draining-on-shutdown shape of a container pool, expressed with
// golang.org/x/sync's errgroup/semaphore.
package executor

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/banksean/tplbuild/internal/dockerfile"
	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/graph"
	"github.com/banksean/tplbuild/internal/plan"
)

// ContextProvider supplies a tar stream for a named build context,
// backed by internal/buildcontext in production.
type ContextProvider interface {
	Tar(name string) (io.Reader, error)
}

// Builder is the subset of execclient.Client the executor drives. Tests
// substitute a fake; production wires *execclient.Client.
type Builder interface {
	Build(ctx context.Context, dockerfile string, contextTar io.Reader, tag, platform string, extraDeps []string, buildArgs map[string]string) (string, error)
	Tag(ctx context.Context, src, dst string) error
	Untag(ctx context.Context, image string) error
}

// Options configures one Run.
type Options struct {
	Parallelism int  // P; defaults to runtime.NumCPU() when zero
	Debug       bool // when true, tplbuild-* intermediate tags are kept
}

// Executor runs entries produced by internal/plan.
type Executor struct {
	Client   Builder
	Contexts ContextProvider
	Opts     Options
}

// New builds an Executor with parallelism defaulted to the host's CPU
// count.
func New(client Builder, contexts ContextProvider, opts Options) *Executor {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	return &Executor{Client: client, Contexts: contexts, Opts: opts}
}

// Result reports, per completed chain entry, the digest the builder
// produced.
type Result struct {
	Digests map[string]string // output tag -> digest
}

// Run executes every entry, respecting DependsOn ordering, bounded by
// Opts.Parallelism. On the first failure it stops dispatching new
// entries (draining mode): in-flight entries run to completion, then
// every entry's intermediate Cleanup tags are removed (unless Opts.Debug)
// and the first error is returned.
func (ex *Executor) Run(ctx context.Context, entries []*plan.Entry) (*Result, error) {
	done := make(map[string]chan struct{}, len(entries))
	for _, e := range entries {
		if e.OutputTag != "" {
			done[e.OutputTag] = make(chan struct{})
		}
	}

	var draining atomic.Bool
	var mu sync.Mutex
	digests := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(ex.Opts.Parallelism))

	for _, entry := range entries {
		entry := entry
		ch := done[entry.OutputTag]

		g.Go(func() error {
			if ch != nil {
				defer close(ch)
			}
			if err := ex.awaitDeps(gctx, entry, done); err != nil {
				return err
			}
			if draining.Load() {
				return nil
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if draining.Load() {
				return nil
			}

			// ctx, not gctx: a sibling's failure must not cancel a build
			// that is already in flight.
			digest, err := ex.runOne(ctx, entry)
			if err != nil {
				draining.Store(true)
				return err
			}
			if digest != "" {
				mu.Lock()
				digests[entry.OutputTag] = digest
				mu.Unlock()
			}
			return nil
		})
	}

	runErr := g.Wait()

	ex.cleanup(entries)

	if runErr != nil {
		return nil, runErr
	}
	return &Result{Digests: digests}, nil
}

func (ex *Executor) awaitDeps(ctx context.Context, entry *plan.Entry, done map[string]chan struct{}) error {
	for _, dep := range entry.DependsOn {
		ch, ok := done[dep]
		if !ok {
			continue // dependency satisfied outside this run (e.g. a registry probe)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ex *Executor) runOne(ctx context.Context, entry *plan.Entry) (string, error) {
	switch entry.Kind {
	case plan.EntryNoop:
		slog.InfoContext(ctx, "executor.noop", "tag", entry.OutputTag)
		return "", nil
	case plan.EntryTag:
		if err := ex.Client.Tag(ctx, entry.BaseRef, entry.OutputTag); err != nil {
			return "", err
		}
		return "", nil
	case plan.EntryChain:
		return ex.runChain(ctx, entry)
	default:
		return "", &errs.BuildError{Tag: entry.OutputTag, Stderr: []string{"unknown plan entry kind"}}
	}
}

func (ex *Executor) runChain(ctx context.Context, entry *plan.Entry) (string, error) {
	dockerfileText := renderDockerfile(entry.BaseRef, entry.Chain)

	var contextTar io.Reader
	if len(entry.ContextNames) > 0 {
		if len(entry.ContextNames) == 1 {
			tar, err := ex.Contexts.Tar(entry.ContextNames[0])
			if err != nil {
				return "", &errs.ContextError{Context: entry.ContextNames[0], Msg: "building context tar", Err: err}
			}
			contextTar = tar
		} else {
			// Multiple contexts feeding one chain: the builder-client
			// wire format doesn't define a tar-merge convention, so the
			// first context stands in as the primary send, matching
			// single-context chains, the overwhelming common case.
			tar, err := ex.Contexts.Tar(entry.ContextNames[0])
			if err != nil {
				return "", &errs.ContextError{Context: entry.ContextNames[0], Msg: "building context tar", Err: err}
			}
			contextTar = tar
		}
	}

	slog.InfoContext(ctx, "executor.build", "tag", entry.OutputTag, "base", entry.BaseRef, "platform", entry.Platform)
	digest, err := ex.Client.Build(ctx, dockerfileText, contextTar, entry.OutputTag, entry.Platform, entry.DependsOn, nil)
	if err != nil {
		return "", err
	}
	for _, tag := range entry.PublishTags {
		if tag == entry.OutputTag {
			continue
		}
		if err := ex.Client.Tag(ctx, entry.OutputTag, tag); err != nil {
			return "", err
		}
	}
	return digest, nil
}

// cleanup removes every entry's intermediate tags after the run finishes,
// on every exit path (success, failure, or cancellation), unless the
// debug flag preserves them.
func (ex *Executor) cleanup(entries []*plan.Entry) {
	if ex.Opts.Debug {
		return
	}
	bg := context.Background()
	for _, e := range entries {
		for _, tag := range e.Cleanup {
			if err := ex.Client.Untag(bg, tag); err != nil {
				slog.WarnContext(bg, "executor.cleanup", "tag", tag, "err", err)
			}
		}
	}
}

// renderDockerfile turns one plan entry's chain back into Dockerfile
// text: a FROM line against the resolved baseline, followed by each
// node's canonical instruction.
func renderDockerfile(baseRef string, chain []*graph.Node) string {
	var b strings.Builder
	b.WriteString("FROM ")
	b.WriteString(baseRef)
	b.WriteString("\n")
	for _, n := range chain {
		if n.Instruction == nil {
			continue
		}
		writeInstruction(&b, n.Instruction)
	}
	return b.String()
}

func writeInstruction(b *strings.Builder, instr *dockerfile.Instruction) {
	b.WriteString(instr.Canonical())
	b.WriteString("\n")
}
