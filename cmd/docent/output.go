package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/docent/internal/feed"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// statusColor picks the color an item status is shown in.
func statusColor(s feed.Status) string {
	switch s {
	case feed.StatusReady:
		return colorGreen
	case feed.StatusError:
		return colorRed
	default:
		return colorYellow
	}
}

// itemLine renders one item as a single table row.
func itemLine(it feed.Item) string {
	id := it.ID
	if len(id) > 8 {
		id = id[:8]
	}
	title := "(untitled)"
	if it.Metadata != nil && it.Metadata.Title != "" {
		title = it.Metadata.Title
	}
	var extra []string
	if it.ObjectID != "" {
		extra = append(extra, it.ObjectID)
	}
	if it.Status == feed.StatusStreamingAudio {
		extra = append(extra, fmt.Sprintf("%3.0f%%", it.AudioStreamProgress))
	}
	if it.Error != "" {
		extra = append(extra, it.Error)
	}
	return fmt.Sprintf("%s  %-22s %s  %s",
		colorize(colorCyan, id),
		colorize(statusColor(it.Status), string(it.Status)),
		title,
		strings.Join(extra, "  "),
	)
}
