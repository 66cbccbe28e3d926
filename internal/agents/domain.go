package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

const maxDomainChars = 120

// DomainSelector asks the LLM for a research domain when a task has none.
type DomainSelector struct {
	llm     llm.Client
	prompts *Prompts
	logger  *zap.Logger
}

// NewDomainSelector creates a selector. A nil prompts uses the built-in templates.
func NewDomainSelector(client llm.Client, prompts *Prompts, logger *zap.Logger) (*DomainSelector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		var err error
		if prompts, err = LoadPrompts("", logger); err != nil {
			return nil, err
		}
	}
	return &DomainSelector{llm: client, prompts: prompts, logger: logger}, nil
}

// Select returns a single-line domain name. Failures are reported against the
// plan stage, since selection runs while the task is planning.
func (d *DomainSelector) Select(ctx context.Context) (string, error) {
	prompt, err := d.prompts.Render("domain.tmpl", nil)
	if err != nil {
		return "", err
	}
	raw, err := d.llm.Complete(ctx, prompt)
	if err != nil {
		return "", &research.AgentInvocationError{Stage: research.StagePlan, Err: fmt.Errorf("selecting domain: %w", err)}
	}
	domain := cleanDomain(raw)
	if domain == "" {
		return "", &research.AgentInvocationError{Stage: research.StagePlan, Err: fmt.Errorf("selecting domain: %w", research.ErrEmptyContent)}
	}
	d.logger.Info("selected research domain", zap.String("domain", domain))
	return domain, nil
}

// cleanDomain keeps the first non-empty line without list markers, labels,
// quotes or emphasis.
func cleanDomain(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*#> ")
		if i := strings.Index(line, ":"); i >= 0 && i < 20 {
			label := strings.ToLower(strings.TrimSpace(line[:i]))
			if label == "topic" || label == "domain" || label == "topic name" {
				line = line[i+1:]
			}
		}
		line = strings.Trim(line, " \"'`*_.")
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxDomainChars {
			line = strings.TrimSpace(string(r[:maxDomainChars]))
		}
		return line
	}
	return ""
}
