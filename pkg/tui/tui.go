// Package tui renders CLI output: data set listings, import progress and
// mapping plan summaries. Plain styled text, no interactive widgets.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/statflow/statflow/internal/model"
	"github.com/statflow/statflow/pkg/mapping"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warning = lipgloss.Color("#FFAA00")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warning).Bold(true)
)

const rule = "  ─────────────────────────────────────"

// Header renders the program banner.
func Header(version string) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("  STATFLOW") + mutedStyle.Render(" v"+version) + "\n")
	b.WriteString(mutedStyle.Render("  Data set versioning and query engine") + "\n")
	return b.String()
}

// DataSetRow renders one data set for the list command.
func DataSetRow(ds *model.DataSet) string {
	status := mutedStyle.Render(string(ds.Status))
	if ds.Status == model.DataSetStatusPublished {
		status = successStyle.Render(string(ds.Status))
	}
	return fmt.Sprintf("  %s  %s  %s", titleStyle.Render(ds.ID), status, ds.Title)
}

// VersionRow renders one version for the versions command.
func VersionRow(v *model.DataSetVersion) string {
	var status string
	switch v.Status {
	case model.VersionStatusPublished:
		status = successStyle.Render(string(v.Status))
	case model.VersionStatusProcessing:
		status = warnStyle.Render(fmt.Sprintf("%s (%s)", v.Status, v.Stage))
	case model.VersionStatusWithdrawn, model.VersionStatusDeprecated:
		status = mutedStyle.Render(string(v.Status))
	default:
		status = string(v.Status)
	}
	return fmt.Sprintf("  %s  v%s  %s", titleStyle.Render(v.ID), v.Version, status)
}

// StageLine renders one completed import stage.
func StageLine(stage model.ImportStage) string {
	return successStyle.Render("  ✓ ") + string(stage.String())
}

// ImportComplete renders the end-of-import summary.
func ImportComplete(v *model.DataSetVersion) string {
	var b strings.Builder
	b.WriteString(mutedStyle.Render(rule) + "\n")
	b.WriteString(successStyle.Render("  ✓ Import complete") + "\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("Version:"), titleStyle.Render(v.ID)))
	b.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("Status:"), string(v.Status)))
	b.WriteString(mutedStyle.Render(rule))
	return b.String()
}

// MappingPlan renders the outcome of starting the mapping workflow.
func MappingPlan(plan *mapping.Plan) string {
	var b strings.Builder
	b.WriteString(mutedStyle.Render(rule) + "\n")

	auto, pending, ambiguous := 0, 0, 0
	for _, c := range plan.Candidates {
		switch {
		case c.Ambiguous && !c.Resolved():
			ambiguous++
			pending++
		case !c.Resolved():
			pending++
		default:
			auto++
		}
	}

	b.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("State:"), renderState(plan.State)))
	b.WriteString(fmt.Sprintf("  %s %d auto-mapped, %d pending (%d ambiguous)\n",
		mutedStyle.Render("Candidates:"), auto, pending, ambiguous))
	if len(plan.NewLocations) > 0 {
		b.WriteString(fmt.Sprintf("  %s %d\n", mutedStyle.Render("New locations:"), len(plan.NewLocations)))
	}
	if len(plan.NewOptions) > 0 {
		b.WriteString(fmt.Sprintf("  %s %d\n", mutedStyle.Render("New filter options:"), len(plan.NewOptions)))
	}

	for _, c := range plan.Candidates {
		if c.Resolved() {
			continue
		}
		marker := accentStyle.Render("  ? ")
		if c.Ambiguous {
			marker = warnStyle.Render("  ! ")
		}
		line := fmt.Sprintf("%s%s/%s", marker, c.Kind, c.SourceKey)
		if len(c.SuggestedKeys) > 0 {
			line += mutedStyle.Render(" → " + strings.Join(c.SuggestedKeys, " | "))
		} else {
			line += mutedStyle.Render(" (no longer present)")
		}
		b.WriteString(line + "\n")
	}

	b.WriteString(mutedStyle.Render(rule))
	return b.String()
}

// MappingOutcome renders the result of applying a decision batch.
func MappingOutcome(out *mapping.Outcome) string {
	var b strings.Builder
	b.WriteString(mutedStyle.Render(rule) + "\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("State:"), renderState(out.State)))
	if out.State == model.MappingStateResolved {
		impact := successStyle.Render(string(out.Impact))
		if out.Impact == model.ImpactMajor {
			impact = accentStyle.Render(string(out.Impact))
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", mutedStyle.Render("Impact:"), impact))
		b.WriteString(fmt.Sprintf("  %s v%s\n", mutedStyle.Render("Version:"), out.Version))
	}
	for _, key := range out.Unresolved {
		b.WriteString(warnStyle.Render("  ! ") + key + "\n")
	}
	b.WriteString(mutedStyle.Render(rule))
	return b.String()
}

// Errorf renders an error line.
func Errorf(format string, args ...any) string {
	return accentStyle.Render("  ✗ ") + fmt.Sprintf(format, args...)
}

func renderState(state model.MappingState) string {
	switch state {
	case model.MappingStateResolved:
		return successStyle.Render(string(state))
	case model.MappingStatePending:
		return warnStyle.Render(string(state))
	default:
		return mutedStyle.Render(string(state))
	}
}
