// Package graph lowers parsed stages into a DAG of typed image nodes.
package graph

import "github.com/banksean/tplbuild/internal/dockerfile"

// Kind discriminates the tagged-variant Node: image nodes are modeled as
// a tagged variant rather than a class hierarchy.
type Kind int

const (
	KindSourceImage Kind = iota
	KindContextImage
	KindBaseImage
	KindBuildStep
	KindStageImage
)

func (k Kind) String() string {
	switch k {
	case KindSourceImage:
		return "source"
	case KindContextImage:
		return "ctx"
	case KindBaseImage:
		return "base"
	case KindBuildStep:
		return "step"
	case KindStageImage:
		return "stage"
	default:
		return "unknown"
	}
}

// Node is the DAG vertex. Only the fields relevant to Kind are populated;
// callers switch on Kind before reading variant-specific fields.
type Node struct {
	ID       string
	Kind     Kind
	Platform string

	// Filled by the content hasher (internal/hash). StageImage nodes are
	// never hashed for caching purposes (they're published, not cached).
	ContentHash string

	// SourceImage
	Repo   string
	Tag    string
	Digest string // resolved manifest digest; required before hashing consumers

	// ContextImage
	ContextName string
	FilesHash   string

	// BuildStep
	Parent      *Node
	Instruction *dockerfile.Instruction
	Context     *Node // the ContextImage this instruction reads from, if any

	// BaseImage / StageImage (wrap a stage's terminal BuildStep)
	Instructions   []dockerfile.Instruction // denormalised full instruction list for this stage
	StageName      string
	Profile        string
	ResolvedDigest string   // BaseImage: populated once a registry probe or build succeeds
	PublishTags    []string // StageImage

	// Secondary dependency edges: COPY --from referencing a node other
	// than this node's primary build parent. The planner treats these
	// identically to the primary edge for readiness, but only the primary
	// edge shapes chain formation.
	ExtraDeps []*Node
}

// AllDeps returns the primary parent (if any) followed by all secondary
// dependencies, the full in-edge set used for readiness tracking.
func (n *Node) AllDeps() []*Node {
	var deps []*Node
	if n.Parent != nil {
		deps = append(deps, n.Parent)
	}
	deps = append(deps, n.ExtraDeps...)
	return deps
}
