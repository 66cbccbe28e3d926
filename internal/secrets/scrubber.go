// Package secrets redacts credentials from generated research content before
// it is stored in the knowledge store, the task registry or a report.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) Result
}

// Finding is one detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result holds scrubbed content and what was removed.
type Result struct {
	Content  string    `json:"content"`
	Findings []Finding `json:"findings,omitempty"`
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool {
	return len(r.Findings) > 0
}

// Config configures the gitleaks scrubber.
type Config struct {
	// AllowlistPath points to an optional TOML file with [allowlist] regexes.
	AllowlistPath string
}

// GitleaksScrubber scrubs content with the default gitleaks rule set.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds the detector once; compiling the rule set is expensive.
func New(cfg Config) (*GitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}

	if cfg.AllowlistPath != "" {
		al, err := LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		applyAllowlist(&detector.Config, al)
	}

	return &GitleaksScrubber{detector: detector}, nil
}

// Scrub replaces every detected secret with a [REDACTED:<rule>] marker.
func (s *GitleaksScrubber) Scrub(content string) Result {
	if content == "" {
		return Result{Content: content}
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(found) == 0 {
		return Result{Content: content}
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i].Secret) > len(found[j].Secret)
	})

	findings := make([]Finding, 0, len(found))
	scrubbed := content
	for _, f := range found {
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
		if f.Secret == "" {
			continue
		}
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}

	return Result{Content: scrubbed, Findings: findings}
}

// Nop returns a scrubber that leaves content untouched.
func Nop() Scrubber {
	return nopScrubber{}
}

type nopScrubber struct{}

func (nopScrubber) Scrub(content string) Result {
	return Result{Content: content}
}

func applyAllowlist(cfg *gitleaksconfig.Config, al *Allowlist) {
	global := &gitleaksconfig.Allowlist{Description: "researchd allowlist"}
	for _, p := range al.Regexes {
		// Patterns were compiled once in LoadAllowlist.
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(p)))
	}
	global.StopWords = append(global.StopWords, al.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
