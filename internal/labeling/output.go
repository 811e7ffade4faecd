package labeling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	maxEvidenceItems  = 10
	maxEvidenceChars  = 200
	maxReasoningChars = 500
)

// Phase2Categories is the closed set of bike-issue categories.
var Phase2Categories = []string{
	"Sicherheit & Komfort (Geometrie/Führung)",
	"Müll / Scherben / Splitter (Sharp objects & debris)",
	"Oberflächenqualität / Schäden",
	"Wasser / Eis / Entwässerung",
	"Hindernisse & Blockaden (inkl. Parken & Baustelle)",
	"Vegetation & Sichtbehinderung",
	"Markierungen & Beschilderung",
	"Ampeln & Signale (inkl. bike-specific Licht)",
	"Other / Unklar",
}

var errNoJSON = errors.New("no JSON object in model output")

// ExtractJSON pulls a single JSON object out of model output. Code fences
// are stripped; otherwise the outermost {...} span is used.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		lines = lines[1:]
		if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
			lines = lines[:n-1]
		}
		s = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	if isObject(s) {
		return s, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		candidate := s[start : end+1]
		if isObject(candidate) {
			return candidate, nil
		}
	}
	return "", errNoJSON
}

func isObject(s string) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil
}

type Phase1Output struct {
	Label      string   `json:"label"`
	Evidence   []string `json:"evidence"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

// BikeRelated maps the label to the stored tri-state value.
func (o Phase1Output) BikeRelated() *bool {
	var v bool
	switch o.Label {
	case "true":
		v = true
	case "false":
		v = false
	default:
		return nil
	}
	return &v
}

type Phase2Output struct {
	Category   string   `json:"category"`
	Evidence   []string `json:"evidence"`
	Reasoning  string   `json:"reasoning"`
	Confidence float64  `json:"confidence"`
}

// ParsePhase1 extracts and validates a phase-1 answer.
func ParsePhase1(text string) (Phase1Output, error) {
	var out Phase1Output
	if err := decodeStrict(text, &out); err != nil {
		return Phase1Output{}, err
	}
	switch out.Label {
	case "true", "false", "uncertain":
	default:
		return Phase1Output{}, fmt.Errorf("invalid label %q", out.Label)
	}
	out.Evidence = TruncateEvidence(out.Evidence, maxEvidenceItems, maxEvidenceChars)
	out.Reasoning = TruncateReasoning(out.Reasoning, maxReasoningChars)
	out.Confidence = ClampConfidence(out.Confidence)
	return out, nil
}

// ParsePhase2 extracts and validates a phase-2 answer.
func ParsePhase2(text string) (Phase2Output, error) {
	var out Phase2Output
	if err := decodeStrict(text, &out); err != nil {
		return Phase2Output{}, err
	}
	if !validCategory(out.Category) {
		return Phase2Output{}, fmt.Errorf("invalid category %q", out.Category)
	}
	out.Evidence = TruncateEvidence(out.Evidence, maxEvidenceItems, maxEvidenceChars)
	out.Reasoning = TruncateReasoning(out.Reasoning, maxReasoningChars)
	out.Confidence = ClampConfidence(out.Confidence)
	return out, nil
}

func decodeStrict(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

func validCategory(c string) bool {
	for _, known := range Phase2Categories {
		if c == known {
			return true
		}
	}
	return false
}

func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TruncateEvidence keeps the first maxItems entries, trims each, drops blank
// ones and cuts the rest to maxChars characters.
func TruncateEvidence(items []string, maxItems, maxChars int) []string {
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, cutRunes(item, maxChars))
	}
	return out
}

func TruncateReasoning(s string, maxChars int) string {
	return cutRunes(strings.TrimSpace(s), maxChars)
}

func cutRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
