// Package version reports build-time version information, set via
// -ldflags at build time and supplemented by Go's own build-info
// embedding.
package version

import "runtime/debug"

var (
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the version snapshot returned by Get.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the current version information.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Equal reports whether two version infos represent the same build,
// comparing git commit, branch, repo, build time, and (when both carry
// build info) the main module path, dependency set, and Go toolchain
// version.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion ||
			!depsEqual(v.BuildInfo.Deps, other.BuildInfo.Deps) {
			return false
		}
	}
	return v.BuildTime == other.BuildTime &&
		v.GitBranch == other.GitBranch &&
		v.GitCommit == other.GitCommit &&
		v.GitRepo == other.GitRepo
}

func depsEqual(a, b []*debug.Module) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || a[i].Version != b[i].Version {
			return false
		}
	}
	return true
}
