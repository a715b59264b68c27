package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sentilens/platform/pkg/retrain"
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

func colorizeStatus(status, tone string) string {
	switch tone {
	case "success":
		return colorize(colorGreen, status)
	case "error":
		return colorize(colorRed, status)
	case "active":
		return colorize(colorCyan, status)
	case "pending":
		return colorize(colorYellow, status)
	}
	return status
}

// progressBar renders pct as a fixed-width bar.
func progressBar(pct int) string {
	const width = 20
	pct = retrain.ClampProgress(pct)
	filled := pct * width / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	switch retrain.ProgressBand(pct) {
	case "low":
		return colorize(colorRed, bar)
	case "mid":
		return colorize(colorYellow, bar)
	}
	return colorize(colorGreen, bar)
}

func formatSnapshot(s retrain.Snapshot) string {
	line := fmt.Sprintf("%s %3d%%  %s", progressBar(s.Progress), s.Progress, s.Status.Label())
	if s.Message != "" {
		line += "  (" + s.Message + ")"
	}
	if s.Err != nil {
		line += "  " + colorize(colorRed, s.Err.Error())
	}
	return line
}

// formatMetrics prints every reported metric in name order.
func formatMetrics(m retrain.Metrics) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func snapshotJSON(s retrain.Snapshot) map[string]interface{} {
	out := map[string]interface{}{
		"job_id":   s.JobID,
		"state":    s.State.String(),
		"status":   s.Status.String(),
		"progress": s.Progress,
	}
	if s.ModelVersion != "" {
		out["model_version"] = s.ModelVersion
	}
	if len(s.Metrics) > 0 {
		out["result_metrics"] = s.Metrics
	}
	if s.Err != nil {
		out["error"] = s.Err.Error()
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
