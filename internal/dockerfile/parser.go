package dockerfile

import (
	"strconv"
	"strings"

	"github.com/banksean/tplbuild/internal/errs"
)

// Directives carries the recognised top-of-file parser-directive comments.
type Directives struct {
	Syntax string // informational only; not interpreted by the parser
	Escape byte   // line-continuation character; defaults to '\\'
}

// ParseResult is the output of Parse: the flat instruction list and the
// stages it was grouped into.
type ParseResult struct {
	Directives   Directives
	Instructions []Instruction
	Stages       []*Stage
}

// Parse tokenises rendered Dockerfile text into instructions and groups
// them into stages.
func Parse(text string) (*ParseResult, error) {
	lines, err := logicalLines(text)
	if err != nil {
		return nil, err
	}

	directives := parseDirectives(text)

	var instructions []Instruction
	for i := 0; i < len(lines); i++ {
		ln := lines[i]
		if ln.stripped == "" {
			continue
		}
		instr, err := parseInstruction(ln)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, *instr)
	}

	stages, err := groupStages(instructions)
	if err != nil {
		return nil, err
	}

	return &ParseResult{Directives: directives, Instructions: instructions, Stages: stages}, nil
}

// logicalLine is one logically-joined line (continuations folded in) with
// its originating line/column for error reporting.
type logicalLine struct {
	stripped string
	line     int
	col      int
}

// logicalLines splits text into lines, joining backslash-newline
// continuations, and stripping '#'-comments that begin a line. Comments
// embedded after content are left to per-instruction parsing, since '#' is
// only a comment when it starts a token.
func logicalLines(text string) ([]logicalLine, error) {
	rawLines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	escape := byte('\\')
	// Look ahead for an escape directive before building logical lines,
	// since it changes how continuations are recognised.
	for _, rl := range rawLines {
		t := strings.TrimSpace(rl)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			break
		}
		if v, ok := parseDirectiveLine(t, "escape"); ok && len(v) == 1 {
			escape = v[0]
		}
		if _, ok := parseDirectiveLine(t, "syntax"); ok {
			continue
		}
	}

	var out []logicalLine
	var cur strings.Builder
	curStartLine := 0
	inContinuation := false

	flush := func(endLine int) {
		s := cur.String()
		if strings.TrimSpace(s) != "" || inContinuation {
			out = append(out, logicalLine{stripped: strings.TrimSpace(s), line: curStartLine, col: 1})
		}
		cur.Reset()
		inContinuation = false
	}

	for idx, rl := range rawLines {
		lineNo := idx + 1
		trimmedRight := strings.TrimRight(rl, " \t")
		if !inContinuation {
			curStartLine = lineNo
		}

		content := trimmedRight
		commentOnly := strings.HasPrefix(strings.TrimSpace(content), "#")
		if commentOnly && !inContinuation {
			// A standalone comment line terminates nothing and starts nothing.
			continue
		}

		if strings.HasSuffix(content, string(escape)) && !commentOnly {
			cur.WriteString(strings.TrimSuffix(content, string(escape)))
			cur.WriteByte(' ')
			inContinuation = true
			continue
		}

		cur.WriteString(content)
		flush(lineNo)
	}

	if inContinuation {
		return out, &errs.ParseError{Line: curStartLine, Col: 1, Kind: "unterminated-continuation", Msg: "line continuation not terminated before end of file"}
	}

	return out, nil
}

func parseDirectiveLine(line, name string) (string, bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	prefix := name + "="
	if !strings.HasPrefix(strings.ToLower(body), prefix) {
		return "", false
	}
	return strings.TrimSpace(body[len(prefix):]), true
}

// parseDirectives reads the directive comments at the top of the raw text;
// logicalLines drops comment lines, so they are not visible there.
func parseDirectives(text string) Directives {
	d := Directives{Escape: '\\'}
	for _, rl := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(rl)
		if !strings.HasPrefix(t, "#") {
			break
		}
		if v, ok := parseDirectiveLine(t, "syntax"); ok {
			d.Syntax = v
			continue
		}
		if v, ok := parseDirectiveLine(t, "escape"); ok && len(v) == 1 {
			d.Escape = v[0]
			continue
		}
		break
	}
	return d
}

// parseInstruction parses one logical (continuation-joined) line into an
// Instruction: verb, flags, operands.
func parseInstruction(ln logicalLine) (*Instruction, error) {
	text := stripTrailingComment(ln.stripped)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &errs.ParseError{Line: ln.line, Col: ln.col, Kind: "empty", Msg: "empty instruction after stripping comment"}
	}

	fields := splitFields(text)
	if len(fields) == 0 {
		return nil, &errs.ParseError{Line: ln.line, Col: ln.col, Kind: "empty", Msg: "no tokens"}
	}

	verb := Verb(strings.ToUpper(fields[0]))
	if !knownVerbs[verb] {
		return nil, &errs.ParseError{Line: ln.line, Col: ln.col, Kind: "unknown-verb", Msg: "unrecognised instruction: " + string(verb)}
	}
	rest := fields[1:]

	flags := map[string]string{}
	i := 0
	for i < len(rest) && strings.HasPrefix(rest[i], "--") {
		kv := rest[i][2:]
		if kv == "" {
			return nil, &errs.ParseError{Line: ln.line, Col: ln.col, Kind: "malformed-flag", Msg: "bare -- flag"}
		}
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			return nil, &errs.ParseError{Line: ln.line, Col: ln.col, Kind: "malformed-flag", Msg: "flag with empty key: " + rest[i]}
		}
		flags[k] = v
		i++
	}

	operands := rest[i:]

	return &Instruction{
		Verb:     verb,
		Flags:    flags,
		Operands: operands,
		Raw:      ln.stripped,
		Line:     ln.line,
	}, nil
}

// stripTrailingComment removes a ' #...' comment suffix, honoring the rule
// that '#' only introduces a comment where whitespace would also be valid
// (i.e. not inside an unquoted token boundary check we don't attempt here;
// tplbuild instructions are single-line post-continuation so a simple
// whitespace-delimited scan suffices for the instruction verbs it supports).
func stripTrailingComment(s string) string {
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '#' && (i == 0 || s[i-1] == ' ' || s[i-1] == '\t'):
			return s[:i]
		}
	}
	return s
}

// splitFields splits on whitespace while respecting single/double quoted
// spans, so COPY/LABEL operands containing spaces survive intact.
func splitFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := byte(0)
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			cur.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields
}

// groupStages walks the flat instruction list and groups it into Stages:
// FROM opens a stage, END closes it without opening a new one, PUSHCONTEXT
// rebinds the current stage's context for subsequent instructions only.
func groupStages(instructions []Instruction) ([]*Stage, error) {
	var stages []*Stage
	var cur *Stage
	names := map[string]bool{}

	for _, instr := range instructions {
		switch instr.Verb {
		case VerbFrom:
			name := strconv.Itoa(len(stages))
			baseRef := ""
			platform := instr.Flags["platform"]
			ops := instr.Operands
			if len(ops) == 0 {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "malformed-from", Msg: "FROM requires an image operand"}
			}
			baseRef = ops[0]
			if len(ops) >= 3 && strings.EqualFold(ops[1], "AS") {
				name = ops[2]
			} else if len(ops) == 2 {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "malformed-from", Msg: "FROM ... AS requires a name"}
			}
			if names[name] {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "duplicate-stage-name", Msg: "duplicate stage name: " + name}
			}
			names[name] = true
			cur = &Stage{
				Index:       len(stages),
				Name:        name,
				BaseRef:     baseRef,
				Platform:    platform,
				ContextName: "default",
			}
			stages = append(stages, cur)
		case VerbEnd:
			if cur == nil {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "end-without-stage", Msg: "END outside of any stage"}
			}
			cur.closed = true
		case VerbPushcontext:
			if cur == nil || cur.closed {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "instruction-before-from", Msg: "PUSHCONTEXT before any open FROM"}
			}
			if len(instr.Operands) != 1 {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "malformed-pushcontext", Msg: "PUSHCONTEXT requires exactly one operand"}
			}
			cur.ContextName = instr.Operands[0]
			cur.Instructions = append(cur.Instructions, instr)
		default:
			if cur == nil {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "instruction-before-from", Msg: string(instr.Verb) + " before any FROM"}
			}
			if cur.closed {
				return nil, &errs.ParseError{Line: instr.Line, Kind: "instruction-after-end", Msg: string(instr.Verb) + " after stage END"}
			}
			cur.Instructions = append(cur.Instructions, instr)
		}
	}

	return stages, nil
}
