package dockerfile

import (
	"reflect"
	"testing"

	"github.com/banksean/tplbuild/internal/errs"
)

func TestParseBasicStages(t *testing.T) {
	text := `FROM base-deps:1.0 AS base-app
RUN apt-get update
COPY --from=builder --chown=app:app /out /app
FROM base-app AS anon-fib-0
RUN echo fib
`
	res, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(res.Stages))
	}
	if res.Stages[0].Name != "base-app" || res.Stages[0].BaseRef != "base-deps:1.0" {
		t.Fatalf("unexpected stage 0: %+v", res.Stages[0])
	}
	copyInstr := res.Stages[0].Instructions[1]
	if copyInstr.Verb != VerbCopy {
		t.Fatalf("expected COPY, got %s", copyInstr.Verb)
	}
	if got, ok := copyInstr.Flag("from"); !ok || got != "builder" {
		t.Fatalf("expected --from=builder, got %q ok=%v", got, ok)
	}
	if got, ok := copyInstr.Flag("chown"); !ok || got != "app:app" {
		t.Fatalf("expected --chown=app:app, got %q ok=%v", got, ok)
	}
}

func TestParseContinuationAndComments(t *testing.T) {
	text := "FROM scratch\n" +
		"RUN echo one \\\n" +
		"    && echo two # trailing comment\n" +
		"# standalone comment\n" +
		"ENV FOO=bar\n"
	res, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	run := res.Stages[0].Instructions[0]
	if run.Verb != VerbRun {
		t.Fatalf("expected RUN, got %s", run.Verb)
	}
	want := "RUN echo one      && echo two # trailing comment"
	if got := run.Raw; got != want {
		t.Fatalf("continuation join = %q, want %q", got, want)
	}
}

func TestParseDirectives(t *testing.T) {
	text := "# syntax=docker/dockerfile:1\n# escape=`\nFROM scratch\nRUN echo hi `\n    && echo bye\n"
	res, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Directives.Syntax != "docker/dockerfile:1" {
		t.Fatalf("syntax directive not captured: %+v", res.Directives)
	}
	if res.Directives.Escape != '`' {
		t.Fatalf("escape directive not captured: %+v", res.Directives)
	}
	if len(res.Stages[0].Instructions) != 1 {
		t.Fatalf("expected continuation to join into one instruction, got %d", len(res.Stages[0].Instructions))
	}
}

func TestParseEndAndPushcontext(t *testing.T) {
	text := "FROM scratch AS anon-macro-0\nPUSHCONTEXT assets\nCOPY file.txt /file.txt\nEND\n"
	res, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st := res.Stages[0]
	if st.ContextName != "assets" {
		t.Fatalf("expected PUSHCONTEXT to rebind context, got %q", st.ContextName)
	}
	if !st.closed {
		t.Fatalf("expected stage to be closed by END")
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		text string
		kind string
	}{
		"instruction before from": {
			text: "RUN echo hi\n",
			kind: "instruction-before-from",
		},
		"instruction after end": {
			text: "FROM scratch\nEND\nRUN echo hi\n",
			kind: "instruction-after-end",
		},
		"duplicate stage name": {
			text: "FROM scratch AS app\nFROM scratch AS app\n",
			kind: "duplicate-stage-name",
		},
		"malformed flag": {
			text: "FROM scratch\nCOPY --=x /a /b\n",
			kind: "malformed-flag",
		},
		"unterminated continuation": {
			// No trailing newline after the backslash: the continuation
			// never gets a following line to join, so it's still open
			// when the input runs out.
			text: "FROM scratch\nRUN echo one \\",
			kind: "unterminated-continuation",
		},
		"unknown verb": {
			text: "FROM scratch\nBOGUS something\n",
			kind: "unknown-verb",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(tc.text)
			if err == nil {
				t.Fatalf("expected error")
			}
			pe, ok := err.(*errs.ParseError)
			if !ok {
				t.Fatalf("expected a *errs.ParseError, got %T", err)
			}
			if pe.Kind != tc.kind {
				t.Fatalf("Kind = %q, want %q", pe.Kind, tc.kind)
			}
		})
	}
}

func TestCanonical(t *testing.T) {
	i := Instruction{
		Verb:     VerbCopy,
		Flags:    map[string]string{"chown": "app:app", "from": "builder"},
		Operands: []string{"/out", "/app"},
	}
	got := i.Canonical()
	want := "COPY --chown=app:app --from=builder /out /app"
	if got != want {
		t.Fatalf("Canonical() = %q, want %q", got, want)
	}
}

func TestRoundTripReparse(t *testing.T) {
	// Testable property 3: re-emitting parsed instructions in canonical
	// form yields a Dockerfile that re-parses to the same instruction list.
	text := "FROM scratch AS app\nCOPY --from=builder --chown=app:app /out /app\nRUN echo hi\n"
	res, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var rebuilt string
	rebuilt += "FROM " + res.Stages[0].BaseRef + " AS " + res.Stages[0].Name + "\n"
	for _, instr := range res.Stages[0].Instructions {
		rebuilt += instr.Canonical() + "\n"
	}

	res2, err := Parse(rebuilt)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	for i := range res.Stages[0].Instructions {
		a := res.Stages[0].Instructions[i].Canonical()
		b := res2.Stages[0].Instructions[i].Canonical()
		if a != b {
			t.Fatalf("round-trip mismatch at %d: %q != %q", i, a, b)
		}
	}
	if !reflect.DeepEqual(res.Stages[0].BaseRef, res2.Stages[0].BaseRef) {
		t.Fatalf("stage base ref mismatch")
	}
}
