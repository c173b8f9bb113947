// Package hash computes the symbolic, tree-structured content hash over
// an image-node DAG.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/graph"
)

// Hasher memoises H(n) across a DAG walk and carries the project-wide
// salt that's folded into every hash (rotated via --update-salt to force
// rebuilds).
type Hasher struct {
	Salt string

	memo map[*graph.Node]string
}

// New returns a Hasher bound to the given salt.
func New(salt string) *Hasher {
	return &Hasher{Salt: salt, memo: map[*graph.Node]string{}}
}

// Hash computes H(n) for n and, transitively, every node it depends on.
// StageImage nodes are never treated as cache keys; Hash still computes
// a value for them (useful for logging/debugging) but
// callers must not use it as a cache key.
func (h *Hasher) Hash(n *graph.Node) (string, error) {
	if v, ok := h.memo[n]; ok {
		return v, nil
	}

	var v string
	var err error
	switch n.Kind {
	case graph.KindSourceImage:
		v, err = h.hashSource(n)
	case graph.KindContextImage:
		v = digest("ctx", n.ContextName, n.FilesHash)
	case graph.KindBuildStep, graph.KindBaseImage, graph.KindStageImage:
		v, err = h.hashStep(n)
	default:
		err = &errs.GraphError{Kind: "unknown-node-kind", Msg: "cannot hash unknown node kind"}
	}
	if err != nil {
		return "", err
	}

	if n.Kind == graph.KindBaseImage {
		v = digest("base", v, n.Profile, n.Platform)
	}

	h.memo[n] = v
	return v, nil
}

func (h *Hasher) hashSource(n *graph.Node) (string, error) {
	if n.Digest == "" {
		return "", &errs.GraphError{Kind: "unresolved-source", Msg: "source image " + n.Repo + ":" + n.Tag + " has no resolved digest"}
	}
	return digest("source", n.Repo, n.Tag, n.Platform, n.Digest), nil
}

func (h *Hasher) hashStep(n *graph.Node) (string, error) {
	var parentHash string
	if n.Parent != nil {
		var err error
		parentHash, err = h.Hash(n.Parent)
		if err != nil {
			return "", err
		}
	}

	canonical := ""
	if n.Instruction != nil {
		canonical = n.Instruction.Canonical()
	}

	depsHash, err := h.hashExtraDeps(n)
	if err != nil {
		return "", err
	}

	return digest("step", parentHash, canonical, depsHash, n.Platform, h.Salt), nil
}

// hashExtraDeps combines the node's COPY/ADD context (if any) with any
// secondary --from dependencies into a single order-independent hash.
func (h *Hasher) hashExtraDeps(n *graph.Node) (string, error) {
	seen := map[*graph.Node]bool{}
	var deps []*graph.Node
	add := func(d *graph.Node) {
		if d != nil && !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	add(n.Context)
	for _, d := range n.ExtraDeps {
		add(d)
	}

	hashes := make([]string, 0, len(deps))
	for _, d := range deps {
		dh, err := h.Hash(d)
		if err != nil {
			return "", err
		}
		hashes = append(hashes, dh)
	}
	sort.Strings(hashes)
	return digest(hashes...), nil
}

func digest(parts ...string) string {
	s := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(s, "%d:%s\x00", len(p), p)
	}
	return hex.EncodeToString(s.Sum(nil))
}
