package graph

import (
	"fmt"

	"github.com/banksean/tplbuild/internal/dockerfile"
	"github.com/banksean/tplbuild/internal/errs"
)

// Graph is the built DAG: every node lowered from the stages (including
// the nodes of anon stages that nothing references), plus the dedup tables
// used while building it.
type Graph struct {
	Nodes         []*Node
	StageTerminal map[string]*Node // stage name -> its wrapper (BaseImage/StageImage) or raw terminal (anon)
	SourceImages  map[string]*Node // dedup key -> SourceImage node
	ContextImages map[string]*Node // context name -> ContextImage node
}

// Input parameterises graph construction with the project configuration
// the spec leaves external (contexts, base/anon classification, profile).
type Input struct {
	Stages         []*dockerfile.Stage
	Platform       string
	Profile        string
	ConfiguredCtxs map[string]bool  // names declared under tplbuild.yml's `contexts`
	BasePrefixes   []string
	AnonPrefixes   []string
	StageOverrides map[string]*bool // stages.<name>.base, authoritative over prefix matching
}

// Build lowers stages into the typed node DAG.
func Build(in Input) (*Graph, error) {
	g := &Graph{
		StageTerminal: map[string]*Node{},
		SourceImages:  map[string]*Node{},
		ContextImages: map[string]*Node{},
	}

	anonTerminals := map[*Node]bool{}

	sourceNode := func(ref string) *Node {
		repo, tag := splitRepoTag(ref)
		key := fmt.Sprintf("%s:%s@%s", repo, tag, in.Platform)
		if n, ok := g.SourceImages[key]; ok {
			return n
		}
		n := &Node{ID: "source:" + key, Kind: KindSourceImage, Platform: in.Platform, Repo: repo, Tag: tag}
		g.SourceImages[key] = n
		g.Nodes = append(g.Nodes, n)
		return n
	}

	contextNode := func(name string) *Node {
		if n, ok := g.ContextImages[name]; ok {
			return n
		}
		n := &Node{ID: "ctx:" + name, Kind: KindContextImage, Platform: in.Platform, ContextName: name}
		g.ContextImages[name] = n
		g.Nodes = append(g.Nodes, n)
		return n
	}

	// resolveFrom resolves a FROM/--from operand to its node: a prior
	// stage's terminal, a configured context, or an external source image.
	resolveFrom := func(ref string) *Node {
		if n, ok := g.StageTerminal[ref]; ok {
			return n
		}
		if in.ConfiguredCtxs[ref] {
			return contextNode(ref)
		}
		return sourceNode(ref)
	}

	for _, stage := range in.Stages {
		var explicitBase *bool
		if in.StageOverrides != nil {
			explicitBase = in.StageOverrides[stage.Name]
		}
		dockerfile.ClassifyStage(stage, in.BasePrefixes, in.AnonPrefixes, explicitBase)

		parent := resolveFrom(stage.BaseRef)
		cur := parent
		// Every stage starts in the "default" context. stage.ContextName
		// already holds the stage's last PUSHCONTEXT, which takes effect
		// only from that instruction on (handled in the loop below).
		ctxName := "default"

		for i := range stage.Instructions {
			instr := stage.Instructions[i]
			if instr.Verb == dockerfile.VerbPushcontext {
				ctxName = instr.Operands[0]
				continue
			}

			var extraDeps []*Node
			var fileCtx *Node
			if instr.Verb.ConsumesFiles() {
				if from, ok := instr.Flag("from"); ok {
					dep := resolveFrom(from)
					extraDeps = append(extraDeps, dep)
					if dep.Kind == KindContextImage {
						fileCtx = dep
					}
				} else {
					fileCtx = contextNode(ctxName)
				}
			}

			step := &Node{
				ID:          fmt.Sprintf("step:%s:%d", stage.Name, i),
				Kind:        KindBuildStep,
				Platform:    in.Platform,
				Parent:      cur,
				Instruction: &stage.Instructions[i],
				Context:     fileCtx,
				ExtraDeps:   extraDeps,
			}
			g.Nodes = append(g.Nodes, step)
			cur = step
		}

		terminal := cur

		if stage.Anon {
			g.StageTerminal[stage.Name] = terminal
			anonTerminals[terminal] = true
			continue
		}

		if stage.Base {
			if err := checkNoAnonDependency(terminal, anonTerminals, map[*Node]bool{}); err != nil {
				return nil, err
			}
		}

		wrapper := &Node{
			ID:           "wrap:" + stage.Name,
			Platform:     in.Platform,
			Instructions: stage.Instructions,
			StageName:    stage.Name,
			Profile:      in.Profile,
		}
		if terminal == parent {
			// No instructions ran after FROM: the wrapper's dependency
			// edge is parent itself, not parent's own (possibly nil, possibly
			// stale-from-a-different-stage) Parent/Instruction/Context fields.
			wrapper.Parent = parent
		} else {
			wrapper.Parent = terminal.Parent
			wrapper.Instruction = terminal.Instruction
			wrapper.Context = terminal.Context
			wrapper.ExtraDeps = terminal.ExtraDeps
		}
		if stage.Base {
			wrapper.Kind = KindBaseImage
		} else {
			wrapper.Kind = KindStageImage
		}
		g.Nodes = append(g.Nodes, wrapper)
		g.StageTerminal[stage.Name] = wrapper
	}

	if err := detectCycles(g.Nodes); err != nil {
		return nil, err
	}

	return g, nil
}

// checkNoAnonDependency enforces the invariant that a base stage's
// descendants may not depend on an anon stage.
func checkNoAnonDependency(n *Node, anonTerminals map[*Node]bool, seen map[*Node]bool) error {
	if n == nil || seen[n] {
		return nil
	}
	seen[n] = true
	if anonTerminals[n] {
		return &errs.GraphError{Kind: "anon-dependency", Msg: "base stage depends on anon stage " + n.StageName}
	}
	for _, dep := range n.AllDeps() {
		if err := checkNoAnonDependency(dep, anonTerminals, seen); err != nil {
			return err
		}
	}
	return nil
}

// detectCycles verifies acyclicity. Cycles are impossible by construction
// (every edge points to an already-built node) but this checks regardless.
func detectCycles(nodes []*Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[*Node]int{}
	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch color[n] {
		case black:
			return nil
		case gray:
			return &errs.GraphError{Kind: "cycle", Msg: "cycle detected in image graph"}
		}
		color[n] = gray
		for _, dep := range n.AllDeps() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}
	for _, n := range nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func splitRepoTag(ref string) (repo, tag string) {
	for i := len(ref) - 1; i >= 0; i-- {
		switch ref[i] {
		case ':':
			return ref[:i], ref[i+1:]
		case '/':
			return ref, "latest"
		}
	}
	return ref, "latest"
}
