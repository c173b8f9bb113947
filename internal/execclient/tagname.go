package execclient

import (
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/google/uuid"

	"github.com/banksean/tplbuild/internal/graph"
)

// DefaultTagNamer mints synthetic intermediate tags as
// tplbuild-<generated-name>-<uuid>: the uuid guarantees uniqueness across
// concurrent runs, the generated name gives a human a fighting chance at
// reading a build log without decoding a raw uuid.
func DefaultTagNamer() func(n *graph.Node) string {
	gen := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())
	return func(n *graph.Node) string {
		return fmt.Sprintf("tplbuild-%s-%s", gen.Generate(), uuid.NewString())
	}
}
