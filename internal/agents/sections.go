package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// section is the structured form of one agent response.
type section interface {
	markdown() string
	attributes() map[string]string
}

// extractJSON returns the JSON payload of an LLM response: the first ```json
// fenced block, else the first fenced block, else the outermost braces.
func extractJSON(raw string) string {
	if i := strings.Index(raw, "```json"); i >= 0 {
		rest := raw[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(raw, "```"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

// decodeSection parses raw into a new value of T.
func decodeSection[T any, PT interface {
	*T
	section
}](raw string) (section, error) {
	var v T
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		return nil, err
	}
	return PT(&v), nil
}

// stringList accepts either a JSON list or a single value, which LLMs produce
// interchangeably.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			out = append(out, flatten(r))
		}
		*l = out
		return nil
	}
	*l = stringList{flatten(data)}
	return nil
}

// text is a scalar that tolerates non-string JSON values.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	*t = text(flatten(data))
	return nil
}

// boolish accepts true/false as JSON booleans or strings.
type boolish bool

func (b *boolish) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseBool(strings.Trim(string(bytes.TrimSpace(data)), `"`))
	if err != nil {
		return fmt.Errorf("not a boolean: %s", data)
	}
	*b = boolish(v)
	return nil
}

// flatten renders any JSON value as a single line of text.
func flatten(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		parts := make([]string, 0, len(obj))
		for _, k := range slices.Sorted(maps.Keys(obj)) {
			parts = append(parts, k+": "+flatten(obj[k]))
		}
		return strings.Join(parts, "; ")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, flatten(item))
		}
		return strings.Join(parts, ", ")
	}
	return strings.TrimSpace(string(data))
}

type markdownWriter struct {
	b strings.Builder
}

func (w *markdownWriter) list(title string, items []string, numbered bool) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(&w.b, "### %s\n\n", title)
	for i, item := range items {
		if numbered {
			fmt.Fprintf(&w.b, "%d. %s\n", i+1, item)
		} else {
			fmt.Fprintf(&w.b, "- %s\n", item)
		}
	}
	w.b.WriteString("\n")
}

func (w *markdownWriter) field(title string, value text) {
	if value == "" {
		return
	}
	fmt.Fprintf(&w.b, "**%s:** %s\n\n", title, value)
}

func (w *markdownWriter) String() string {
	return strings.TrimSpace(w.b.String())
}

type planSection struct {
	ResearchQuestions     stringList `json:"research_questions"`
	Hypotheses            stringList `json:"hypotheses"`
	InvestigationStrategy stringList `json:"investigation_strategy"`
	DataRequirements      stringList `json:"data_requirements"`
	SuccessCriteria       stringList `json:"success_criteria"`
}

func (s *planSection) markdown() string {
	var w markdownWriter
	w.list("Research Questions", s.ResearchQuestions, false)
	w.list("Hypotheses", s.Hypotheses, false)
	w.list("Investigation Strategy", s.InvestigationStrategy, true)
	w.list("Data Requirements", s.DataRequirements, false)
	w.list("Success Criteria", s.SuccessCriteria, false)
	return w.String()
}

func (s *planSection) attributes() map[string]string {
	return map[string]string{"research_questions": strconv.Itoa(len(s.ResearchQuestions))}
}

type researchSection struct {
	SearchQueries stringList `json:"search_queries"`
	KeyTerms      stringList `json:"key_terms"`
	Findings      stringList `json:"findings"`
	Sources       stringList `json:"sources"`
	KnowledgeGaps stringList `json:"knowledge_gaps"`
}

func (s *researchSection) markdown() string {
	var w markdownWriter
	w.list("Key Findings", s.Findings, false)
	w.list("Knowledge Gaps", s.KnowledgeGaps, false)
	w.list("Sources", s.Sources, false)
	w.list("Search Queries", s.SearchQueries, false)
	if len(s.KeyTerms) > 0 {
		w.field("Key Terms", text(strings.Join(s.KeyTerms, ", ")))
	}
	return w.String()
}

func (s *researchSection) attributes() map[string]string {
	return map[string]string{"findings": strconv.Itoa(len(s.Findings))}
}

type processSection struct {
	DataQuality        text       `json:"data_quality"`
	CleaningSteps      stringList `json:"cleaning_steps"`
	TransformationPlan stringList `json:"transformation_plan"`
	Schema             text       `json:"schema"`
	Insights           stringList `json:"insights"`
}

func (s *processSection) markdown() string {
	var w markdownWriter
	w.field("Data Quality", s.DataQuality)
	w.list("Cleaning Steps", s.CleaningSteps, true)
	w.list("Transformation Plan", s.TransformationPlan, true)
	w.field("Schema", s.Schema)
	w.list("Key Insights", s.Insights, false)
	return w.String()
}

func (s *processSection) attributes() map[string]string {
	if s.DataQuality == "" {
		return nil
	}
	return map[string]string{"data_quality": string(s.DataQuality)}
}

type experiment struct {
	Name             text `json:"name"`
	Methodology      text `json:"methodology"`
	ExpectedOutcomes text `json:"expected_outcomes"`
	Result           text `json:"result"`
}

type experimentSection struct {
	Experiments  []experiment `json:"experiments"`
	AnalysisPlan stringList   `json:"analysis_plan"`
	Conclusions  stringList   `json:"conclusions"`
}

func (s *experimentSection) markdown() string {
	var w markdownWriter
	for i, e := range s.Experiments {
		name := e.Name
		if name == "" {
			name = text(fmt.Sprintf("Experiment %d", i+1))
		}
		fmt.Fprintf(&w.b, "### %s\n\n", name)
		w.field("Methodology", e.Methodology)
		w.field("Expected Outcomes", e.ExpectedOutcomes)
		w.field("Result", e.Result)
	}
	w.list("Analysis Plan", s.AnalysisPlan, true)
	w.list("Conclusions", s.Conclusions, false)
	return w.String()
}

func (s *experimentSection) attributes() map[string]string {
	return map[string]string{"experiments": strconv.Itoa(len(s.Experiments))}
}

type reviewSection struct {
	QualityScore    text       `json:"quality_score"`
	Completeness    text       `json:"completeness"`
	Accuracy        text       `json:"accuracy"`
	Coherence       text       `json:"coherence"`
	Recommendations stringList `json:"recommendations"`
	NeedsRerun      boolish    `json:"needs_rerun"`
}

func (s *reviewSection) markdown() string {
	var w markdownWriter
	w.field("Quality Score", s.QualityScore)
	w.field("Completeness", s.Completeness)
	w.field("Accuracy", s.Accuracy)
	w.field("Coherence", s.Coherence)
	w.list("Recommendations", s.Recommendations, false)
	if s.NeedsRerun {
		w.field("Re-run Suggested", "yes")
	}
	return w.String()
}

func (s *reviewSection) attributes() map[string]string {
	attrs := map[string]string{AttrNeedsRerun: strconv.FormatBool(bool(s.NeedsRerun))}
	if s.QualityScore != "" {
		attrs["quality_score"] = string(s.QualityScore)
	}
	return attrs
}

type critiqueSection struct {
	Strengths   stringList `json:"strengths"`
	Weaknesses  stringList `json:"weaknesses"`
	Gaps        stringList `json:"gaps"`
	Suggestions stringList `json:"suggestions"`
	Priority    text       `json:"priority"`
}

func (s *critiqueSection) markdown() string {
	var w markdownWriter
	w.list("Strengths", s.Strengths, false)
	w.list("Weaknesses", s.Weaknesses, false)
	w.list("Gaps", s.Gaps, false)
	w.list("Suggestions", s.Suggestions, false)
	w.field("Priority", s.Priority)
	return w.String()
}

func (s *critiqueSection) attributes() map[string]string {
	return map[string]string{"suggestions": strconv.Itoa(len(s.Suggestions))}
}
