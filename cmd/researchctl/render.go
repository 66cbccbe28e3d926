package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/researchd/internal/events"
	researchhttp "github.com/fyrsmithlabs/researchd/internal/http"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

const progressWidth = 20

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func statusStyle(s research.Status) lipgloss.Style {
	switch s {
	case research.StatusCompleted:
		return okStyle
	case research.StatusFailed:
		return failStyle
	case research.StatusPending:
		return dimStyle
	default:
		return warnStyle
	}
}

func field(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + valueStyle.Render(value)
}

func progressBar(pct int) string {
	pct = min(max(pct, 0), 100)
	filled := pct * progressWidth / 100
	return okStyle.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", progressWidth-filled)) +
		fmt.Sprintf(" %3d%%", pct)
}

func renderStarted(resp *researchhttp.StartResponse) string {
	return fmt.Sprintf("%s %s %s",
		okStyle.Render("✓"),
		"Task started:",
		valueStyle.Render(resp.TaskID))
}

func renderStatus(resp *researchhttp.StatusResponse) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Research Task " + resp.ID))
	b.WriteString("\n")

	domain := resp.Domain
	if domain == "" {
		domain = dimStyle.Render("(selecting)")
	}
	b.WriteString(field("Domain", domain) + "\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", "Status")) + " " + statusStyle(resp.Status).Render(string(resp.Status)) + "\n")
	if resp.CurrentStage != "" {
		b.WriteString(field("Stage", resp.CurrentStage.Title()) + "\n")
	}
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", "Progress")) + " " + progressBar(resp.Progress) + "\n")
	b.WriteString(field("Created", resp.CreatedAt.Local().Format(time.DateTime)) + "\n")
	b.WriteString(field("Updated", resp.UpdatedAt.Local().Format(time.DateTime)))
	if resp.Error != "" {
		b.WriteString("\n" + labelStyle.Render(fmt.Sprintf("%-10s", "Error")) + " " + failStyle.Render(resp.Error))
	}
	for _, f := range resp.Flags {
		b.WriteString("\n" + warnStyle.Render("⚑ ") + dimStyle.Render(fmt.Sprintf("[%s/%s] ", f.Stage, f.Severity)) + f.Description)
	}
	if resp.ReportPreview != "" {
		b.WriteString("\n\n" + dimStyle.Render(resp.ReportPreview))
	}
	return b.String()
}

func renderList(resp *researchhttp.ListResponse, now time.Time) string {
	if resp.Count == 0 {
		return dimStyle.Render("No research tasks.")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%d research task(s)", resp.Count)))
	for _, t := range resp.Tasks {
		domain := t.Domain
		if domain == "" {
			domain = "(selecting)"
		}
		b.WriteString(fmt.Sprintf("\n%s  %s  %s  %s",
			dimStyle.Render(t.ID),
			statusStyle(t.Status).Render(fmt.Sprintf("%-13s", t.Status)),
			valueStyle.Render(domain),
			dimStyle.Render(age(now.Sub(t.CreatedAt))+" ago")))
	}
	return b.String()
}

func renderEvent(ev events.Event) string {
	ts := dimStyle.Render(ev.Time.Local().Format(time.TimeOnly))
	switch ev.Type {
	case events.TaskCompleted:
		return fmt.Sprintf("%s %s research completed", ts, okStyle.Render("✓"))
	case events.TaskFailed:
		return fmt.Sprintf("%s %s failed: %s", ts, failStyle.Render("✗"), ev.Message)
	case events.StageCompleted:
		return fmt.Sprintf("%s %s %s done  %s", ts, okStyle.Render("•"), ev.Stage, progressBar(ev.Percentage))
	case events.StageStarted:
		return fmt.Sprintf("%s %s %s", ts, warnStyle.Render("→"), ev.Status)
	default:
		return fmt.Sprintf("%s %s %s  %s", ts, dimStyle.Render(string(ev.Type)), ev.Status, progressBar(ev.Percentage))
	}
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
