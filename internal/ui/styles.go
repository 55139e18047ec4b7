// Package ui renders CLI output with optional ANSI 256-color styling.
package ui

import (
	"fmt"

	"github.com/davehorton/drachtio-simple-server/internal/events"
)

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 215 // orange
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return render(colorCmd, s) }

// RenderTopic colors an event topic by what happened: terminations and
// removals warn, creations and publications are green, the rest is muted.
func RenderTopic(topic string) string {
	switch topic {
	case events.TopicStateRemoved, events.TopicSubscriptionTerminated:
		return render(colorWarn, topic)
	case events.TopicStatePublished, events.TopicSubscriptionCreated:
		return render(colorOK, topic)
	default:
		return render(colorMuted, topic)
	}
}

// RenderCount renders a labelled count, the count in the accent color.
func RenderCount(label string, n int) string {
	return fmt.Sprintf("%-14s %s", label, render(colorAccent, fmt.Sprint(n)))
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
