package dockerfile

import "strings"

// Stage is a contiguous run of instructions beginning with FROM.
type Stage struct {
	Index        int
	Name         string
	BaseRef      string // the FROM operand: a prior stage name or a source image reference
	Platform     string // optional --platform flag on FROM
	ContextName  string // rebindable via PUSHCONTEXT; defaults to "default"
	Base         bool   // name has a configured base-stage prefix, or explicit override
	Anon         bool   // name has a configured anon-stage prefix
	Instructions []Instruction
	closed       bool // set once END has been seen; further instructions before FROM are an error
}

// DefaultBasePrefixes and DefaultAnonPrefixes are the stage-name prefixes
// recognised when the project config does not override classification.
var (
	DefaultBasePrefixes = []string{"base-", "base_"}
	DefaultAnonPrefixes = []string{"anon-", "anon_"}
)

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ClassifyStage sets Base/Anon from the stage name using the given
// prefixes, unless explicitBase overrides the classification: an explicit
// stages.<name>.base config flag is authoritative over prefix matching.
func ClassifyStage(s *Stage, basePrefixes, anonPrefixes []string, explicitBase *bool) {
	if explicitBase != nil {
		s.Base = *explicitBase
	} else {
		s.Base = hasAnyPrefix(s.Name, basePrefixes)
	}
	s.Anon = hasAnyPrefix(s.Name, anonPrefixes)
}
