package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// PreviewChars is the length of the report preview shown in status responses.
const PreviewChars = 1000

type frontMatter struct {
	TaskID       string    `yaml:"task_id"`
	Domain       string    `yaml:"domain"`
	DomainSource string    `yaml:"domain_source,omitempty"`
	Sources      []string  `yaml:"sources,omitempty"`
	Stages       []string  `yaml:"stages"`
	Flags        int       `yaml:"flags"`
	GeneratedAt  time.Time `yaml:"generated_at"`
}

// RenderReport builds the Markdown report for a task whose six stages are
// complete. Output depends only on task and generatedAt.
func RenderReport(task *research.Task, generatedAt time.Time) (string, error) {
	stages := research.AllStages()
	if len(task.Results) != len(stages) {
		return "", fmt.Errorf("task %s has %d of %d stage results", task.ID, len(task.Results), len(stages))
	}

	fm := frontMatter{
		TaskID:       task.ID,
		Domain:       task.Domain,
		DomainSource: string(task.DomainSource),
		Sources:      task.Sources,
		Flags:        len(task.Flags),
		GeneratedAt:  generatedAt.UTC(),
	}
	for _, s := range stages {
		fm.Stages = append(fm.Stages, string(s))
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("encoding report front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Research Report: %s\n\n", task.Domain)

	for _, stage := range stages {
		r, ok := task.Result(stage)
		if !ok {
			return "", fmt.Errorf("task %s is missing the %s result", task.ID, stage)
		}
		fmt.Fprintf(&b, "## %s\n\n", stage.Title())
		fmt.Fprintf(&b, "_%s, %s_\n\n", r.Agent, r.GeneratedAt.UTC().Format(time.RFC3339))
		b.WriteString(strings.TrimSpace(r.Content))
		b.WriteString("\n\n")
	}

	if len(task.Flags) > 0 {
		b.WriteString("## Flags\n\n")
		for _, f := range task.Flags {
			fmt.Fprintf(&b, "- **%s** (%s, %s): %s\n", f.Severity, f.Stage, f.Source, f.Description)
		}
		b.WriteString("\n")
	}

	writePipelineLog(&b, task, generatedAt)
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

// writePipelineLog appends the run timeline: task creation, run start, each
// stage result with the flags raised on it, and report generation.
func writePipelineLog(b *strings.Builder, task *research.Task, generatedAt time.Time) {
	stamp := func(t time.Time) string { return t.UTC().Format(time.RFC3339) }
	flags := make(map[research.Stage]int, len(task.Flags))
	for _, f := range task.Flags {
		flags[f.Stage]++
	}

	b.WriteString("## Pipeline Log\n\n")
	b.WriteString("| Step | Agent | Time | Flags |\n")
	b.WriteString("|------|-------|------|-------|\n")
	fmt.Fprintf(b, "| created | | %s | |\n", stamp(task.CreatedAt))
	if task.StartedAt != nil {
		fmt.Fprintf(b, "| started | | %s | |\n", stamp(*task.StartedAt))
	}
	for _, r := range task.Results {
		fmt.Fprintf(b, "| %s | %s | %s | %d |\n", r.Stage, r.Agent, stamp(r.GeneratedAt), flags[r.Stage])
	}
	fmt.Fprintf(b, "| report | | %s | |\n", stamp(generatedAt))
}

// Preview returns the first PreviewChars characters of report.
func Preview(report string) string {
	r := []rune(report)
	if len(r) <= PreviewChars {
		return report
	}
	return string(r[:PreviewChars])
}

// ReportFilename is research_report_<domain>_<timestamp>.md with the domain
// reduced to lowercase letters, digits and underscores.
func ReportFilename(domain string, at time.Time) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(domain) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	name := strings.TrimSuffix(b.String(), "_")
	if name == "" {
		name = "untitled"
	}
	return fmt.Sprintf("research_report_%s_%s.md", name, at.UTC().Format("20060102_150405"))
}

// SaveReport writes report into dir and returns the file path.
func SaveReport(dir, domain, report string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports directory: %w", err)
	}
	path := filepath.Join(dir, ReportFilename(domain, at))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
