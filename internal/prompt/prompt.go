// Package prompt renders inference prompts from redacted terminal context.
// Everything that reaches a template has already passed through redaction;
// this package only assembles text.
package prompt

import (
	"strings"
)

// Kind selects the instruction block of the rendered prompt.
type Kind string

const (
	// KindSuggest asks for the next shell command toward the operator goal.
	KindSuggest Kind = "suggest"
	// KindExplain asks for a plain explanation of the latest output.
	KindExplain Kind = "explain"
	// KindError asks for a diagnosis of an observed error.
	KindError Kind = "error"
)

// Input carries the context assembled for one inference request.
type Input struct {
	Kind   Kind
	Host   string
	User   string
	Goal   string
	Window []string
	Recent []string
}

const systemPreamble = "You are a remote shell copilot. You observe terminal output from an " +
	"SSH session and help the operator with shell commands. Sensitive values in " +
	"the transcript have been replaced with [REDACTED]; never try to reconstruct them."

const suggestInstruction = "Propose the single next shell command. Answer with YAML only, " +
	"no prose and no code fences, using exactly these keys:\n" +
	"command: <the shell command>\n" +
	"rationale: <one sentence on why>"

const explainInstruction = "Explain what the most recent terminal output means for the " +
	"operator, in at most three sentences."

const errorInstruction = "The most recent output contains an error. Diagnose the likely " +
	"cause and answer with YAML only, no prose and no code fences, using exactly these keys:\n" +
	"command: <a shell command that addresses the error, or an empty string>\n" +
	"rationale: <one sentence diagnosis>"

// Render assembles the full prompt text for one request.
func Render(in Input) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\n")

	if in.Host != "" || in.User != "" {
		b.WriteString("Session: ")
		if in.User != "" {
			b.WriteString(in.User)
			b.WriteString("@")
		}
		b.WriteString(in.Host)
		b.WriteString("\n")
	}
	if goal := strings.TrimSpace(in.Goal); goal != "" {
		b.WriteString("Operator goal: ")
		b.WriteString(goal)
		b.WriteString("\n")
	}

	if len(in.Recent) > 0 {
		b.WriteString("\nRecent commands, oldest first:\n")
		for _, command := range in.Recent {
			b.WriteString("  $ ")
			b.WriteString(command)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nTerminal output, oldest line first:\n")
	if len(in.Window) == 0 {
		b.WriteString("  (no output captured yet)\n")
	}
	for _, line := range in.Window {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch in.Kind {
	case KindExplain:
		b.WriteString(explainInstruction)
	case KindError:
		b.WriteString(errorInstruction)
	default:
		b.WriteString(suggestInstruction)
	}
	b.WriteString("\n")
	return b.String()
}
