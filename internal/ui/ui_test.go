package ui

import (
	"os"
	"strings"
	"testing"
)

func TestShouldUseColor(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	for _, tc := range []struct {
		name               string
		noColor, force, cl string
		want               bool
	}{
		{"NotATerminal", "", "", "", false},
		{"Forced", "", "1", "", true},
		{"NoColorWins", "1", "1", "", false},
		{"ClicolorZero", "", "", "0", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tc.noColor)
			t.Setenv("CLICOLOR_FORCE", tc.force)
			t.Setenv("CLICOLOR", tc.cl)
			if got := ShouldUseColor(f); got != tc.want {
				t.Errorf("ShouldUseColor = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	prev := noColor
	t.Cleanup(func() { noColor = prev })

	noColor = false
	if got := RenderTopic("simple.subscription.terminated"); !strings.Contains(got, "\x1b[38;5;215m") {
		t.Errorf("terminated topic not rendered as warning: %q", got)
	}

	ForceNoColor()
	if got := RenderTopic("simple.state.published"); got != "simple.state.published" {
		t.Errorf("colored output after ForceNoColor: %q", got)
	}
	if got := RenderCount("etags", 3); got != "etags          3" {
		t.Errorf("RenderCount = %q", got)
	}
}
