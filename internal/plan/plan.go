// Package plan partitions a hashed image-node DAG into a minimal,
// reproducible sequence of builder invocations.
package plan

import (
	"fmt"
	"sort"

	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/graph"
)

// EntryKind discriminates a plan entry's shape.
type EntryKind int

const (
	EntryChain EntryKind = iota // a linear sub-chain fed to the builder as one invocation
	EntryTag                    // a tagging/publishing action with no new build
	EntryNoop                   // already satisfied; nothing to do
)

// Entry is one unit of planner output.
type Entry struct {
	Kind EntryKind

	// Chain is the ordered v0..vk node sequence this entry builds, head
	// first. Populated for EntryChain only.
	Chain []*graph.Node

	// BaseRef is the FROM baseline passed to the builder: a registry
	// reference (digest or tag) for a satisfied parent, or the synthetic
	// tag of a cut-point entry this one depends on.
	BaseRef string

	// OutputTag is the tag this entry's result becomes available under:
	// a synthetic tplbuild-<uuid> tag for an interior cut point, or the
	// real content-hash/publish tag for a requested target.
	OutputTag   string
	PublishTags []string

	Platform string

	// ContextNames lists the build contexts this chain's COPY/ADD
	// instructions require tarballs for.
	ContextNames []string

	// DependsOn lists the tags other plan entries must produce before
	// this entry is ready to run.
	DependsOn []string

	// Cleanup lists intermediate tags this entry introduces that must be
	// removed once the overall plan finishes (success, failure, or
	// cancellation), unless the debug flag preserves them.
	Cleanup []string

	// sortKey ties equal-cost orderings to the tail node's content hash
	// for reproducible plans.
	sortKey string
}

// TagNamer mints the synthetic intermediate tag for a cut-point node. The
// default implementation is provided by internal/execclient so the
// planner stays free of UUID/name-generator wiring concerns.
type TagNamer func(n *graph.Node) string

// Satisfied reports, for a BaseImage node, whether a registry probe
// already found a usable manifest, and if so its reference (the
// content-hash tag in the base image repo, e.g.
// "myrepo/base:H-linux/amd64"). Only BaseImage nodes are ever satisfied
// this way; StageImage is never cached.
type Satisfied func(n *graph.Node) (ref string, ok bool)

// SourceRef returns the pinned registry reference for a SourceImage node
// (repo@digest), used as a FROM baseline.
type SourceRef func(n *graph.Node) string

// Build computes the plan for the given target nodes.
func Build(targets []*graph.Node, satisfied Satisfied, sourceRef SourceRef, tagNamer TagNamer) ([]*Entry, error) {
	needed, leaves, err := collectNeeded(targets, satisfied)
	if err != nil {
		return nil, err
	}

	var entries []*Entry

	// Targets that are already satisfied produce a no-op marker so
	// callers (e.g. `base-build --check`) can report "nothing to do"
	// without silently vanishing from the plan.
	for _, t := range targets {
		if t.Kind == graph.KindBaseImage {
			if ref, ok := satisfied(t); ok {
				entries = append(entries, &Entry{Kind: EntryNoop, OutputTag: ref, Platform: t.Platform, sortKey: t.ContentHash})
			}
		}
	}

	fanout := computeFanout(needed)
	chains := buildChains(needed, fanout)

	targetSet := map[*graph.Node]bool{}
	for _, t := range targets {
		targetSet[t] = true
	}

	// Tags are assigned to every chain tail up front so BaseRef/DependsOn
	// resolution below doesn't depend on the (arbitrary) order chains are
	// discovered in.
	tagOf := map[*graph.Node]string{}
	for _, chain := range chains {
		tail := chain[len(chain)-1]
		if targetSet[tail] {
			switch tail.Kind {
			case graph.KindBaseImage:
				tagOf[tail] = fmt.Sprintf("%s-%s", tail.ContentHash, tail.Platform)
			case graph.KindStageImage:
				tagOf[tail] = firstOr(tail.PublishTags, tail.ContentHash)
			}
		} else {
			tagOf[tail] = tagNamer(tail)
		}
	}

	for _, chain := range chains {
		tail := chain[len(chain)-1]
		head := chain[0]

		e := &Entry{
			Kind:     EntryChain,
			Chain:    chain,
			Platform: tail.Platform,
			sortKey:  tail.ContentHash,
		}

		// Resolve this chain's FROM baseline.
		if head.Parent == nil {
			return nil, &errs.GraphError{Kind: "no-baseline", Msg: "chain head has no parent to build FROM"}
		}
		switch {
		case head.Parent.Kind == graph.KindSourceImage:
			e.BaseRef = sourceRef(head.Parent)
		case leaves[head.Parent]:
			// A satisfied BaseImage used as a baseline.
			ref, _ := satisfied(head.Parent)
			e.BaseRef = ref
		default:
			// The parent is the tail of another chain: depend on that
			// chain's (already assigned) output tag.
			tag, ok := tagOf[head.Parent]
			if !ok {
				return nil, &errs.GraphError{Kind: "planner-invariant", Msg: "chain baseline not found among planned chains"}
			}
			e.BaseRef = tag
			e.DependsOn = append(e.DependsOn, tag)
		}

		// Resolve secondary (COPY --from) dependencies along the chain,
		// plus each instruction's default build context (recorded on
		// Context rather than ExtraDeps when there's no --from flag).
		ctxSeen := map[string]bool{}
		addCtx := func(n *graph.Node) {
			if n != nil && n.Kind == graph.KindContextImage && !ctxSeen[n.ContextName] {
				ctxSeen[n.ContextName] = true
				e.ContextNames = append(e.ContextNames, n.ContextName)
			}
		}
		for _, n := range chain {
			addCtx(n.Context)
			for _, dep := range n.AllDeps() {
				if dep == n.Parent && n == head {
					continue // already accounted for as the baseline
				}
				switch dep.Kind {
				case graph.KindContextImage:
					addCtx(dep)
				case graph.KindSourceImage:
					// An external image referenced via COPY --from=<image>
					// needs no plan dependency; the builder resolves it
					// directly from the pinned reference.
				default:
					if leaves[dep] {
						// satisfied baseline used mid-chain, no dependency needed beyond its ref being resolvable
						continue
					}
					if tag, ok := tagOf[dep]; ok {
						e.DependsOn = append(e.DependsOn, tag)
					}
				}
			}
		}
		sort.Strings(e.ContextNames)
		sort.Strings(e.DependsOn)

		// Output tag: the real target tag if tail is a requested target,
		// otherwise a synthetic cut-point tag, both already assigned above.
		e.OutputTag = tagOf[tail]
		if targetSet[tail] && tail.Kind == graph.KindStageImage {
			e.PublishTags = tail.PublishTags
		}
		if !targetSet[tail] {
			e.Cleanup = append(e.Cleanup, e.OutputTag)
		}

		entries = append(entries, e)
	}

	sortEntries(entries)
	return entries, nil
}

func firstOr(tags []string, fallback string) string {
	if len(tags) > 0 {
		return tags[0]
	}
	return fallback
}

// collectNeeded walks back from targets, stopping at satisfied nodes
// (which need no plan entry but still anchor a FROM baseline) and at
// leaves (SourceImage/ContextImage, never built directly).
func collectNeeded(targets []*graph.Node, satisfied Satisfied) (needed map[*graph.Node]bool, leaves map[*graph.Node]bool, err error) {
	needed = map[*graph.Node]bool{}
	leaves = map[*graph.Node]bool{}
	visited := map[*graph.Node]bool{}

	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		if visited[n] {
			return
		}
		visited[n] = true

		if n.Kind == graph.KindSourceImage || n.Kind == graph.KindContextImage {
			leaves[n] = true
			return
		}
		if n.Kind == graph.KindBaseImage {
			if _, ok := satisfied(n); ok {
				leaves[n] = true
				return
			}
		}

		needed[n] = true
		for _, dep := range n.AllDeps() {
			visit(dep)
		}
	}

	for _, t := range targets {
		visit(t)
	}
	return needed, leaves, nil
}

// computeFanout counts, for each needed node, how many distinct needed
// nodes depend on it (via either primary or secondary edges).
func computeFanout(needed map[*graph.Node]bool) map[*graph.Node]int {
	fanout := map[*graph.Node]int{}
	for n := range needed {
		for _, dep := range n.AllDeps() {
			if needed[dep] {
				fanout[dep]++
			}
		}
	}
	return fanout
}

// buildChains identifies maximal fan-in-1 chains: a node continues its
// parent's chain iff the parent is needed and has
// fan-out exactly 1 (so it has exactly one consumer, reached via the
// primary edge by construction).
func buildChains(needed map[*graph.Node]bool, fanout map[*graph.Node]int) [][]*graph.Node {
	isContinuation := func(n *graph.Node) bool {
		return n.Parent != nil && needed[n.Parent] && fanout[n.Parent] == 1
	}

	// Map each node to its primary child, if that child is a continuation.
	primaryChild := map[*graph.Node]*graph.Node{}
	for n := range needed {
		if isContinuation(n) {
			primaryChild[n.Parent] = n
		}
	}

	var chains [][]*graph.Node
	for n := range needed {
		if isContinuation(n) {
			continue // will be swept into its parent's chain
		}
		chain := []*graph.Node{n}
		cur := n
		for {
			next, ok := primaryChild[cur]
			if !ok {
				break
			}
			chain = append(chain, next)
			cur = next
		}
		chains = append(chains, chain)
	}
	return chains
}

// sortEntries orders plan entries by reverse topological dependency,
// tie-breaking by the tail node's content hash so equal-cost orderings
// are reproducible across runs.
func sortEntries(entries []*Entry) {
	outputOf := map[string]*Entry{}
	for _, e := range entries {
		if e.OutputTag != "" {
			outputOf[e.OutputTag] = e
		}
	}

	depth := map[*Entry]int{}
	var rank func(e *Entry, seen map[*Entry]bool) int
	rank = func(e *Entry, seen map[*Entry]bool) int {
		if d, ok := depth[e]; ok {
			return d
		}
		if seen[e] {
			return 0 // guard against (impossible) cycles in malformed input
		}
		seen[e] = true
		max := 0
		for _, dep := range e.DependsOn {
			if de, ok := outputOf[dep]; ok {
				if d := rank(de, seen) + 1; d > max {
					max = d
				}
			}
		}
		depth[e] = max
		return max
	}
	for _, e := range entries {
		rank(e, map[*Entry]bool{})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if depth[entries[i]] != depth[entries[j]] {
			return depth[entries[i]] < depth[entries[j]]
		}
		return entries[i].sortKey < entries[j].sortKey
	})
}
