package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"compitutto/internal/export"
	"compitutto/internal/pipeline"
	"compitutto/internal/run"
)

// Brand palette, shared with the rest of the console output.
var (
	colorPrimary = lipgloss.Color("#8BC34A") // Lime Green
	colorInfo    = lipgloss.Color("#2196F3") // Blue
	colorWarning = lipgloss.Color("#FFC107") // Yellow
	colorError   = lipgloss.Color("#e53935") // Red
	colorMuted   = lipgloss.Color("#6b7785")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	stepStyle  = lipgloss.NewStyle().Foreground(colorInfo)
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorPrimary).
	Padding(0, 1)

var failBoxStyle = boxStyle.BorderForeground(colorError)

var stepLabels = map[pipeline.Step]string{
	pipeline.StepBrowser:   "starting browser",
	pipeline.StepLogin:     "logging in",
	pipeline.StepNavigate:  "opening the agenda",
	pipeline.StepExport:    "exporting",
	pipeline.StepRetention: "pruning old exports",
}

// failureHints suggest the next action per failure kind.
var failureHints = []struct {
	kind error
	hint string
}{
	{run.ErrPrecondition, "check CLASSEVIVA_USERNAME / CLASSEVIVA_PASSWORD and the config file"},
	{run.ErrAuthentication, "check the credentials; a challenge needs a manual login"},
	{run.ErrNavigation, "the portal may be down; try again later"},
	{run.ErrResolution, "the page layout changed; rerun with -i and see the debug snapshots"},
	{run.ErrDownloadTimeout, "see the download_timeout snapshots in the debug directory"},
	{run.ErrPersistence, "check free space and permissions of the data directory"},
}

func renderTitle(runID string, interactive bool) string {
	mode := "headless"
	if interactive {
		mode = "interactive"
	}
	return titleStyle.Render("compitutto") + " " + mutedStyle.Render(fmt.Sprintf("run %s, %s", shortID(runID), mode))
}

func renderStep(s pipeline.Step) string {
	label, ok := stepLabels[s]
	if !ok {
		label = string(s)
	}
	return stepStyle.Render("› " + label)
}

func renderHandoff(message string) string {
	return warnStyle.Render("operator needed") + "\n" + message + "\n" + mutedStyle.Render("press Enter when done")
}

func renderSummary(out export.Outcome) string {
	lines := []string{
		okStyle.Render("export captured"),
		"file:   " + out.Path,
		fmt.Sprintf("size:   %d bytes", out.Size),
		"branch: " + string(out.Branch),
	}
	if out.SuggestedName != "" {
		lines = append(lines, "served: "+out.SuggestedName)
	}
	if out.Recovery != "" {
		lines = append(lines, "via:    "+out.Recovery)
	}
	if out.Fill == export.FillPartial {
		lines = append(lines, warnStyle.Render("date range only partly filled"))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderFailure(err error) string {
	lines := []string{
		errStyle.Render("run failed"),
		err.Error(),
		mutedStyle.Render(fmt.Sprintf("exit code %d", run.ExitCode(err))),
	}
	for _, h := range failureHints {
		if errors.Is(err, h.kind) {
			lines = append(lines, h.hint)
			break
		}
	}
	return failBoxStyle.Render(strings.Join(lines, "\n"))
}

func renderPruned(deleted int, dir string, days int) string {
	if deleted == 0 {
		return mutedStyle.Render(fmt.Sprintf("nothing older than %d days in %s", days, dir))
	}
	return okStyle.Render(fmt.Sprintf("deleted %d old export(s) from %s", deleted, dir))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
