// Package labeling runs the two language-model passes over canonical
// events: phase 1 decides whether a report concerns cycling, phase 2 assigns
// a bike-issue category to the reports phase 1 marked as bike related.
package labeling

import (
	"crypto/md5"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"civicreg/internal/domain"
)

//go:embed prompts
var promptFS embed.FS

// ErrPromptVersion is returned for a version that does not match its phase.
var ErrPromptVersion = errors.New("invalid prompt version")

var phasePrefix = map[domain.LabelPhase]string{
	domain.Phase1: "p1_",
	domain.Phase2: "p2_",
}

// LoadPrompt returns the trimmed prompt text for version, e.g. "p1_v006"
// resolves to prompts/phase1/v006.md.
func LoadPrompt(phase domain.LabelPhase, version string) (string, error) {
	prefix, ok := phasePrefix[phase]
	if !ok {
		return "", fmt.Errorf("%w: unknown phase %q", ErrPromptVersion, phase)
	}
	stub, found := strings.CutPrefix(version, prefix)
	if !found || stub == "" || strings.ContainsAny(stub, `/\.`) {
		return "", fmt.Errorf("%w: %q must look like %s<version>", ErrPromptVersion, version, prefix)
	}
	data, err := promptFS.ReadFile("prompts/" + string(phase) + "/" + stub + ".md")
	if err != nil {
		return "", fmt.Errorf("%w: no prompt for %q", ErrPromptVersion, version)
	}
	return strings.TrimSpace(string(data)), nil
}

// RepairSuffix is appended to the prompt on every attempt after the first.
const RepairSuffix = "\n\nIMPORTANT: Return ONLY a single JSON object. No markdown. No code fences. " +
	"Do not add any extra keys. Ensure types and allowed values match the schema."

// Input is the text a classifier sees for one event.
func Input(title, descriptionRedacted string) string {
	return strings.TrimSpace(title) + "\n\n" + strings.TrimSpace(descriptionRedacted)
}

func InputHash(input string) string {
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

func buildPrompt(prompt, input string) string {
	return prompt + "\n\nINPUT:\n" + input + "\n"
}
