package main

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davehorton/drachtio-simple-server/internal/ui"
)

// helpRule recolors every match of re in Cobra's plain help text.
type helpRule struct {
	re     *regexp.Regexp
	render func(parts []string) string
}

var helpRules = []helpRule{
	// Section headers such as "Server:" or "Flags:".
	{regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`), func(p []string) string {
		return ui.RenderAccent(strings.TrimSpace(p[0]))
	}},
	// Command names in the command listing.
	{regexp.MustCompile(`(?m)^(  )(\S+)(  )`), func(p []string) string {
		return p[1] + ui.RenderCommand(p[2]) + p[3]
	}},
	// Flag value types.
	{regexp.MustCompile(`(--?\S+\s+)(string|int|duration|stringSlice)`), func(p []string) string {
		return p[1] + ui.RenderMuted(p[2])
	}},
	// Quoted defaults.
	{regexp.MustCompile(`\(default "[^"]*"\)`), func(p []string) string {
		return ui.RenderMuted(p[0])
	}},
}

// colorizedHelpFunc returns a Cobra help function that colors the default
// help text when stdout supports it.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		if !ui.ShouldUseColor(os.Stdout) {
			_ = cmd.Usage()
			return
		}

		orig := cmd.OutOrStdout()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)

		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

func colorizeHelpOutput(s string) string {
	for _, rule := range helpRules {
		s = rule.re.ReplaceAllStringFunc(s, func(match string) string {
			return rule.render(rule.re.FindStringSubmatch(match))
		})
	}
	return s
}
