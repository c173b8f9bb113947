package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/banksean/tplbuild/internal/dockerfile"
	"github.com/banksean/tplbuild/internal/graph"
	"github.com/banksean/tplbuild/internal/plan"
)

type fakeBuilder struct {
	mu        sync.Mutex
	built     []string
	tagged    [][2]string
	untagged  []string
	failTag   string
	maxInUse  int32
	inUse     int32
}

func (f *fakeBuilder) Build(ctx context.Context, dockerfile string, contextTar io.Reader, tag, platform string, extraDeps []string, buildArgs map[string]string) (string, error) {
	n := atomic.AddInt32(&f.inUse, 1)
	for {
		cur := atomic.LoadInt32(&f.maxInUse)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInUse, cur, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inUse, -1)

	f.mu.Lock()
	f.built = append(f.built, tag)
	f.mu.Unlock()

	if tag == f.failTag {
		return "", fmt.Errorf("synthetic build failure for %s", tag)
	}
	return "sha256:" + tag, nil
}

func (f *fakeBuilder) Tag(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged = append(f.tagged, [2]string{src, dst})
	return nil
}

func (f *fakeBuilder) Untag(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untagged = append(f.untagged, image)
	return nil
}

type fakeContexts struct{}

func (fakeContexts) Tar(name string) (io.Reader, error) {
	return bytes.NewBufferString("tar:" + name), nil
}

func chainNode(tag string) *graph.Node {
	return &graph.Node{
		Kind:        graph.KindBuildStep,
		ContentHash: tag,
		Instruction: &dockerfile.Instruction{Verb: dockerfile.VerbRun, Operands: []string{"echo", tag}},
	}
}

func TestRunBuildsChainsInDependencyOrder(t *testing.T) {
	entries := []*plan.Entry{
		{Kind: plan.EntryChain, Chain: []*graph.Node{chainNode("base")}, BaseRef: "scratch", OutputTag: "tplbuild-base", ContextNames: []string{"."}},
		{Kind: plan.EntryChain, Chain: []*graph.Node{chainNode("app")}, BaseRef: "tplbuild-base", OutputTag: "tplbuild-app", DependsOn: []string{"tplbuild-base"}, PublishTags: []string{"myrepo/app:v1"}, Cleanup: []string{"tplbuild-base", "tplbuild-app"}},
	}

	fb := &fakeBuilder{}
	ex := New(fb, fakeContexts{}, Options{Parallelism: 2})
	res, err := ex.Run(context.Background(), entries)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Digests["tplbuild-app"] != "sha256:tplbuild-app" {
		t.Errorf("digest for app = %q", res.Digests["tplbuild-app"])
	}

	sort.Strings(fb.built)
	if len(fb.built) != 2 || fb.built[0] != "tplbuild-app" || fb.built[1] != "tplbuild-base" {
		t.Errorf("built = %v", fb.built)
	}

	foundPublish := false
	for _, pair := range fb.tagged {
		if pair[0] == "tplbuild-app" && pair[1] == "myrepo/app:v1" {
			foundPublish = true
		}
	}
	if !foundPublish {
		t.Errorf("expected a publish tag from tplbuild-app to myrepo/app:v1, got %v", fb.tagged)
	}

	if len(fb.untagged) != 2 {
		t.Errorf("expected cleanup to untag both intermediate tags, got %v", fb.untagged)
	}
}

func TestRunRespectsParallelismBound(t *testing.T) {
	var entries []*plan.Entry
	for i := 0; i < 6; i++ {
		tag := fmt.Sprintf("tplbuild-leaf%d", i)
		entries = append(entries, &plan.Entry{
			Kind:      plan.EntryChain,
			Chain:     []*graph.Node{chainNode(tag)},
			BaseRef:   "scratch",
			OutputTag: tag,
		})
	}

	fb := &fakeBuilder{}
	ex := New(fb, fakeContexts{}, Options{Parallelism: 2})
	if _, err := ex.Run(context.Background(), entries); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fb.maxInUse > 2 {
		t.Errorf("observed %d concurrent builds, want at most 2", fb.maxInUse)
	}
}

func TestRunDrainsOnFailureAndStillCleansUp(t *testing.T) {
	entries := []*plan.Entry{
		{Kind: plan.EntryChain, Chain: []*graph.Node{chainNode("bad")}, BaseRef: "scratch", OutputTag: "tplbuild-bad", Cleanup: []string{"tplbuild-bad"}},
		{Kind: plan.EntryChain, Chain: []*graph.Node{chainNode("dependent")}, BaseRef: "tplbuild-bad", OutputTag: "tplbuild-dependent", DependsOn: []string{"tplbuild-bad"}, Cleanup: []string{"tplbuild-dependent"}},
	}

	fb := &fakeBuilder{failTag: "tplbuild-bad"}
	ex := New(fb, fakeContexts{}, Options{Parallelism: 2})
	_, err := ex.Run(context.Background(), entries)
	if err == nil {
		t.Fatal("expected an error from the failing chain")
	}
	if !strings.Contains(err.Error(), "tplbuild-bad") {
		t.Errorf("error = %v, want it to reference the failing tag", err)
	}
	for _, built := range fb.built {
		if built == "tplbuild-dependent" {
			t.Errorf("dependent entry should not have built after its dependency failed")
		}
	}
	if len(fb.untagged) == 0 {
		t.Errorf("expected cleanup to still run after failure")
	}
}

func TestRunSkipsCleanupInDebugMode(t *testing.T) {
	entries := []*plan.Entry{
		{Kind: plan.EntryChain, Chain: []*graph.Node{chainNode("x")}, BaseRef: "scratch", OutputTag: "tplbuild-x", Cleanup: []string{"tplbuild-x"}},
	}
	fb := &fakeBuilder{}
	ex := New(fb, fakeContexts{}, Options{Parallelism: 1, Debug: true})
	if _, err := ex.Run(context.Background(), entries); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(fb.untagged) != 0 {
		t.Errorf("expected no cleanup in debug mode, got %v", fb.untagged)
	}
}

func TestRenderDockerfileEmitsFromAndInstructions(t *testing.T) {
	chain := []*graph.Node{chainNode("one"), chainNode("two")}
	got := renderDockerfile("myrepo/base:H1", chain)
	want := "FROM myrepo/base:H1\nRUN echo one\nRUN echo two\n"
	if got != want {
		t.Errorf("renderDockerfile() = %q, want %q", got, want)
	}
}
