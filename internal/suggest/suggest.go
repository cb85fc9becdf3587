// Package suggest turns raw model output into structured, risk-annotated
// command suggestions.
package suggest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/termpilot/termpilot/internal/safety"
)

// ErrEmpty reports model output with no usable content.
var ErrEmpty = errors.New("empty model output")

// Suggestion is one proposed command, classified and ready to publish.
type Suggestion struct {
	RequestID string
	SessionID string
	Command   string
	Rationale string
	Tier      safety.RiskTier
	Reasons   []string
	CreatedAt time.Time
}

// RequiresConfirmation reports whether the command must be explicitly
// confirmed before execution.
func (s Suggestion) RequiresConfirmation() bool {
	return s.Tier == safety.TierDestructive
}

type answer struct {
	Command   string `yaml:"command"`
	Rationale string `yaml:"rationale"`
}

// Parse extracts the command and rationale from raw model output. It
// accepts the requested YAML shape, tolerates fenced code blocks, and
// falls back to treating the first non-empty line as the command.
func Parse(raw string) (command, rationale string, err error) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return "", "", ErrEmpty
	}

	var parsed answer
	if yamlErr := yaml.Unmarshal([]byte(text), &parsed); yamlErr == nil {
		command = strings.TrimSpace(parsed.Command)
		rationale = strings.TrimSpace(parsed.Rationale)
		if command != "" || rationale != "" {
			return command, rationale, nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimPrefix(line, "$ "), "", nil
	}
	return "", "", ErrEmpty
}

// From parses raw model output and classifies the proposed command.
func From(requestID, sessionID, raw string, classifier *safety.Classifier, createdAt time.Time) (Suggestion, error) {
	command, rationale, err := Parse(raw)
	if err != nil {
		return Suggestion{}, fmt.Errorf("parse model output: %w", err)
	}

	suggestion := Suggestion{
		RequestID: requestID,
		SessionID: sessionID,
		Command:   command,
		Rationale: rationale,
		Tier:      safety.TierSafe,
		CreatedAt: createdAt,
	}
	if command != "" {
		verdict := classifier.Classify(command)
		suggestion.Tier = verdict.Tier
		suggestion.Reasons = verdict.Reasons
	}
	return suggestion, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = append(lines[:i], lines[i+1:]...)
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
