package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
)

// markdownHelp is a kong.HelpPrinter that renders the full command tree
// as markdown, for piping into docs rather than a terminal.
func markdownHelp(options kong.HelpOptions, ctx *kong.Context) error {
	w := ctx.Stdout
	if w == nil {
		w = io.Discard
	}

	root := ctx.Model.Node
	fmt.Fprintf(w, "# %s\n\n", ctx.Model.Name)
	if root.Help != "" && !options.NoAppSummary {
		fmt.Fprintf(w, "%s\n\n", root.Help)
	}

	if flags := topLevelFlags(ctx); len(flags) > 0 {
		fmt.Fprintf(w, "## Global Flags\n\n")
		for _, f := range flags {
			printMarkdownFlag(w, f)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "## Commands\n\n")
	printMarkdownCommands(w, root, ctx.Model.Name, 2)
	return nil
}

func topLevelFlags(ctx *kong.Context) []*kong.Flag {
	var flags []*kong.Flag
	for _, f := range ctx.Model.Flags {
		if !f.Hidden && f.Group == nil {
			flags = append(flags, f)
		}
	}
	return flags
}

func printMarkdownCommands(w io.Writer, node *kong.Node, prefix string, depth int) {
	for _, child := range node.Children {
		if child.Hidden || child.Type != kong.CommandNode {
			continue
		}
		path := prefix + " " + child.Name
		heading := strings.Repeat("#", depth)

		fmt.Fprintf(w, "%s `%s`\n\n", heading, path)
		if child.Help != "" {
			fmt.Fprintf(w, "%s\n\n", child.Help)
		}
		fmt.Fprintf(w, "**Usage:**\n\n```\n%s\n```\n\n", markdownUsage(path, child))

		if len(child.Flags) > 0 {
			fmt.Fprintf(w, "**Flags:**\n\n")
			for _, f := range child.Flags {
				if !f.Hidden {
					printMarkdownFlag(w, f)
				}
			}
			fmt.Fprintln(w)
		}

		if len(child.Children) > 0 {
			printMarkdownCommands(w, child, path, depth+1)
		}
	}
}

func printMarkdownFlag(w io.Writer, flag *kong.Flag) {
	var sig strings.Builder
	if flag.Short != 0 {
		fmt.Fprintf(&sig, "`-%c", flag.Short)
		if flag.Name != "" {
			fmt.Fprintf(&sig, ", --%s", flag.Name)
		}
		sig.WriteString("`")
	} else {
		fmt.Fprintf(&sig, "`--%s`", flag.Name)
	}
	if !flag.IsBool() {
		fmt.Fprintf(&sig, " _%s_", flag.FormatPlaceHolder())
	}

	fmt.Fprintf(w, "- %s", sig.String())
	if flag.Help != "" {
		fmt.Fprintf(w, " - %s", flag.Help)
	}
	if flag.Default != "" {
		fmt.Fprintf(w, " (default: `%s`)", flag.Default)
	}
	fmt.Fprintln(w)
}

func markdownUsage(path string, node *kong.Node) string {
	usage := path
	if len(node.Flags) > 0 {
		usage += " [flags]"
	}
	for _, arg := range node.Positional {
		name := strings.ToUpper(arg.Name)
		if arg.Required {
			usage += fmt.Sprintf(" <%s>", name)
		} else {
			usage += fmt.Sprintf(" [%s]", name)
		}
		if arg.Passthrough {
			usage += "..."
		}
	}
	return usage
}

// DocCmd prints the whole command tree's help as markdown, for checking
// into docs alongside the binary.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	var cli CLI
	parser, err := kong.New(&cli, kong.Description(description), kong.Name("tplbuild"))
	if err != nil {
		return err
	}
	kctx, err := kong.Trace(parser, []string{})
	if err != nil {
		return err
	}
	return markdownHelp(kong.HelpOptions{}, kctx)
}
