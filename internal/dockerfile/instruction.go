// Package dockerfile parses rendered Dockerfile text into a typed sequence
// of instructions grouped into stages, per tplbuild's §4.1.
package dockerfile

import (
	"sort"
	"strings"
)

// Verb is the uppercased leading token of a Dockerfile line.
type Verb string

const (
	VerbFrom        Verb = "FROM"
	VerbCopy        Verb = "COPY"
	VerbAdd         Verb = "ADD"
	VerbRun         Verb = "RUN"
	VerbCmd         Verb = "CMD"
	VerbEntrypoint  Verb = "ENTRYPOINT"
	VerbEnv         Verb = "ENV"
	VerbArg         Verb = "ARG"
	VerbLabel       Verb = "LABEL"
	VerbWorkdir     Verb = "WORKDIR"
	VerbUser        Verb = "USER"
	VerbExpose      Verb = "EXPOSE"
	VerbVolume      Verb = "VOLUME"
	VerbShell       Verb = "SHELL"
	VerbOnbuild     Verb = "ONBUILD"
	VerbHealthcheck Verb = "HEALTHCHECK"
	VerbStopsignal  Verb = "STOPSIGNAL"
	VerbMaintainer  Verb = "MAINTAINER"
	VerbEnd         Verb = "END"
	VerbPushcontext Verb = "PUSHCONTEXT"
)

// knownVerbs is every leading token the parser accepts; anything else is
// rejected with an unknown-verb ParseError.
var knownVerbs = map[Verb]bool{
	VerbFrom: true, VerbCopy: true, VerbAdd: true, VerbRun: true, VerbCmd: true,
	VerbEntrypoint: true, VerbEnv: true, VerbArg: true, VerbLabel: true,
	VerbWorkdir: true, VerbUser: true, VerbExpose: true, VerbVolume: true,
	VerbShell: true, VerbOnbuild: true, VerbHealthcheck: true, VerbStopsignal: true,
	VerbMaintainer: true, VerbEnd: true, VerbPushcontext: true,
}

// ConsumesFiles reports whether the instruction's operands name host paths
// (and so must carry a build-context reference when lowered to the graph).
func (v Verb) ConsumesFiles() bool {
	return v == VerbCopy || v == VerbAdd
}

// Instruction is a single parsed Dockerfile line.
type Instruction struct {
	Verb     Verb
	Flags    map[string]string
	Operands []string
	Raw      string
	Line     int
}

// Flag looks up a flag value, reporting whether it was present.
func (i *Instruction) Flag(name string) (string, bool) {
	v, ok := i.Flags[name]
	return v, ok
}

// Canonical renders the instruction in the normalised form used as hash
// input: verb uppercased, flags sorted by key, operands space-joined,
// surrounding whitespace stripped.
func (i *Instruction) Canonical() string {
	var b strings.Builder
	b.WriteString(string(i.Verb))

	if len(i.Flags) > 0 {
		keys := make([]string, 0, len(i.Flags))
		for k := range i.Flags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString("--")
			b.WriteString(k)
			if v := i.Flags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}

	if len(i.Operands) > 0 {
		b.WriteByte(' ')
		b.WriteString(strings.Join(i.Operands, " "))
	}

	return strings.TrimSpace(b.String())
}
