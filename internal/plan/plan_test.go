package plan

import (
	"testing"

	"github.com/banksean/tplbuild/internal/dockerfile"
	"github.com/banksean/tplbuild/internal/graph"
)

func noneSatisfied(*graph.Node) (string, bool) { return "", false }

func srcRef(n *graph.Node) string { return n.Repo + "@" + n.Digest }

func sequentialTagger() TagNamer {
	i := 0
	return func(n *graph.Node) string {
		i++
		return n.StageName + "-cut"
	}
}

func chainOf(src *graph.Node, platform string, n int) []*graph.Node {
	instr := dockerfile.Instruction{Verb: dockerfile.VerbRun, Operands: []string{"x"}}
	cur := src
	var steps []*graph.Node
	for i := 0; i < n; i++ {
		s := &graph.Node{Kind: graph.KindBuildStep, Parent: cur, Instruction: &instr, Platform: platform}
		steps = append(steps, s)
		cur = s
	}
	return steps
}

// TestFibonacciChainSingleInvocation mirrors the fibonacci(5) scenario: a
// fully linear dependency chain with no branching collapses into exactly
// one builder invocation, since every interior node has fan-out 1.
func TestFibonacciChainSingleInvocation(t *testing.T) {
	src := &graph.Node{Kind: graph.KindSourceImage, Repo: "golang", Tag: "1.22", Platform: "linux/amd64", Digest: "sha256:aaa"}
	steps := chainOf(src, "linux/amd64", 6)
	tail := steps[len(steps)-1]
	wrapper := &graph.Node{
		Kind: graph.KindStageImage, Platform: "linux/amd64",
		Parent: tail.Parent, Instruction: tail.Instruction, Context: tail.Context, ExtraDeps: tail.ExtraDeps,
		StageName: "anon-fib-5", PublishTags: []string{"myrepo/fib:latest"},
	}

	entries, err := Build([]*graph.Node{wrapper}, noneSatisfied, srcRef, sequentialTagger())
	if err != nil {
		t.Fatal(err)
	}

	chainEntries := 0
	for _, e := range entries {
		if e.Kind == EntryChain {
			chainEntries++
		}
	}
	if chainEntries != 1 {
		t.Fatalf("expected exactly one builder invocation for a linear chain, got %d", chainEntries)
	}
	if len(entries[0].Chain) != 6 { // 5 interior steps + the wrapper absorbing the terminal step
		t.Fatalf("expected the single invocation to cover the whole chain, got %d nodes", len(entries[0].Chain))
	}
}

// TestBranchingCreatesCutPoint verifies that a node referenced by two
// independent dependents becomes a cut point: it gets its own plan entry
// and synthetic tag, and each dependent's chain starts fresh from there.
func TestBranchingCreatesCutPoint(t *testing.T) {
	src := &graph.Node{Kind: graph.KindSourceImage, Repo: "golang", Tag: "1.22", Platform: "linux/amd64", Digest: "sha256:aaa"}
	instr := dockerfile.Instruction{Verb: dockerfile.VerbRun, Operands: []string{"x"}}

	shared := &graph.Node{Kind: graph.KindBuildStep, Parent: src, Instruction: &instr, Platform: "linux/amd64"}
	sharedWrapper := &graph.Node{
		Kind: graph.KindBaseImage, Platform: "linux/amd64",
		Parent: shared.Parent, Instruction: shared.Instruction, ContentHash: "H1",
		StageName: "shared-base",
	}

	branchA := &graph.Node{Kind: graph.KindBuildStep, Parent: sharedWrapper, Instruction: &instr, Platform: "linux/amd64"}
	branchB := &graph.Node{Kind: graph.KindBuildStep, Parent: sharedWrapper, Instruction: &instr, Platform: "linux/amd64"}

	wrapA := &graph.Node{Kind: graph.KindStageImage, Platform: "linux/amd64", Parent: branchA.Parent, Instruction: branchA.Instruction, StageName: "svc-a", PublishTags: []string{"myrepo/a:latest"}}
	wrapB := &graph.Node{Kind: graph.KindStageImage, Platform: "linux/amd64", Parent: branchB.Parent, Instruction: branchB.Instruction, StageName: "svc-b", PublishTags: []string{"myrepo/b:latest"}}

	entries, err := Build([]*graph.Node{wrapA, wrapB}, noneSatisfied, srcRef, sequentialTagger())
	if err != nil {
		t.Fatal(err)
	}

	var chainEntries []*Entry
	for _, e := range entries {
		if e.Kind == EntryChain {
			chainEntries = append(chainEntries, e)
		}
	}
	if len(chainEntries) != 3 {
		t.Fatalf("expected 3 chains (shared base + 2 branches), got %d", len(chainEntries))
	}

	var sharedEntry *Entry
	for _, e := range chainEntries {
		if e.Chain[len(e.Chain)-1] == sharedWrapper {
			sharedEntry = e
		}
	}
	if sharedEntry == nil {
		t.Fatalf("expected a dedicated entry for the shared cut-point node")
	}
	if sharedEntry.OutputTag == "" {
		t.Fatalf("expected the cut point to receive an output tag")
	}

	for _, e := range chainEntries {
		if e == sharedEntry {
			continue
		}
		found := false
		for _, dep := range e.DependsOn {
			if dep == sharedEntry.OutputTag {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected branch entry to depend on the shared entry's output tag")
		}
	}
}

// TestSatisfiedBaseImageSkipsPlanning verifies that a BaseImage already
// confirmed present in the registry produces a no-op marker and anchors
// dependents directly, without a rebuild entry of its own.
func TestSatisfiedBaseImageSkipsPlanning(t *testing.T) {
	src := &graph.Node{Kind: graph.KindSourceImage, Repo: "golang", Tag: "1.22", Platform: "linux/amd64", Digest: "sha256:aaa"}
	instr := dockerfile.Instruction{Verb: dockerfile.VerbRun, Operands: []string{"x"}}
	baseTerminal := &graph.Node{Kind: graph.KindBuildStep, Parent: src, Instruction: &instr, Platform: "linux/amd64"}
	base := &graph.Node{Kind: graph.KindBaseImage, Platform: "linux/amd64", Parent: baseTerminal.Parent, Instruction: baseTerminal.Instruction, ContentHash: "H1", StageName: "base"}

	child := &graph.Node{Kind: graph.KindBuildStep, Parent: base, Instruction: &instr, Platform: "linux/amd64"}
	stage := &graph.Node{Kind: graph.KindStageImage, Platform: "linux/amd64", Parent: child.Parent, Instruction: child.Instruction, StageName: "svc", PublishTags: []string{"myrepo/svc:latest"}}

	satisfied := func(n *graph.Node) (string, bool) {
		if n == base {
			return "myrepo/base:H1-linux-amd64", true
		}
		return "", false
	}

	entries, err := Build([]*graph.Node{base, stage}, satisfied, srcRef, sequentialTagger())
	if err != nil {
		t.Fatal(err)
	}

	var noop, chain bool
	for _, e := range entries {
		if e.Kind == EntryNoop && e.OutputTag == "myrepo/base:H1-linux-amd64" {
			noop = true
		}
		if e.Kind == EntryChain {
			chain = true
			if e.BaseRef != "myrepo/base:H1-linux-amd64" {
				t.Fatalf("expected the stage chain to FROM the satisfied base's registry ref, got %q", e.BaseRef)
			}
		}
	}
	if !noop {
		t.Fatalf("expected a no-op entry reporting the already-satisfied base")
	}
	if !chain {
		t.Fatalf("expected a chain entry for the dependent stage")
	}
}

// TestPlanOrderingIsDependencyRespecting verifies that every entry
// depending on another entry's output tag appears after it.
func TestPlanOrderingIsDependencyRespecting(t *testing.T) {
	src := &graph.Node{Kind: graph.KindSourceImage, Repo: "golang", Tag: "1.22", Platform: "linux/amd64", Digest: "sha256:aaa"}
	instr := dockerfile.Instruction{Verb: dockerfile.VerbRun, Operands: []string{"x"}}

	shared := &graph.Node{Kind: graph.KindBaseImage, Platform: "linux/amd64", Parent: src, Instruction: &instr, ContentHash: "H1", StageName: "shared"}
	branchA := &graph.Node{Kind: graph.KindBuildStep, Parent: shared, Instruction: &instr, Platform: "linux/amd64"}
	wrapA := &graph.Node{Kind: graph.KindStageImage, Platform: "linux/amd64", Parent: branchA.Parent, Instruction: branchA.Instruction, StageName: "a", PublishTags: []string{"myrepo/a:latest"}}

	entries, err := Build([]*graph.Node{wrapA}, noneSatisfied, srcRef, sequentialTagger())
	if err != nil {
		t.Fatal(err)
	}

	indexOf := map[string]int{}
	for i, e := range entries {
		if e.OutputTag != "" {
			indexOf[e.OutputTag] = i
		}
	}
	for i, e := range entries {
		for _, dep := range e.DependsOn {
			if depIdx, ok := indexOf[dep]; ok && depIdx >= i {
				t.Fatalf("entry %d depends on tag %q produced at index %d, expected it earlier", i, dep, depIdx)
			}
		}
	}
}
