package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joescharf/taskrun/internal/models"
)

// maxExcerpt bounds how much failed output is quoted back to the agent.
const maxExcerpt = 2000

// FixRequest describes a failed iteration for error analysis.
type FixRequest struct {
	ProjectName string
	Command     string
	Kind        Kind
	Error       string
	Stdout      string
	Stderr      string
}

// BuildFixPrompt asks the agent to analyze a failure and reply with one
// JSON object. The prompt itself contains no braces so the reply is the
// first object in the output.
func BuildFixPrompt(req FixRequest) string {
	var b strings.Builder

	b.WriteString("A task you were asked to perform failed")
	if req.ProjectName != "" {
		fmt.Fprintf(&b, " in project %s", req.ProjectName)
	}
	b.WriteString(". Do not change any files yet.\n\n")

	fmt.Fprintf(&b, "Previous instruction:\n%s\n\n", excerpt(req.Command, maxExcerpt))
	if req.Error != "" {
		fmt.Fprintf(&b, "Failure signal: %s\n\n", req.Error)
	}
	if s := strings.TrimSpace(req.Stderr); s != "" {
		fmt.Fprintf(&b, "Error lines:\n%s\n\n", tail(s, maxExcerpt))
	}
	if s := strings.TrimSpace(req.Stdout); s != "" {
		fmt.Fprintf(&b, "Output (last part):\n%s\n\n", tail(s, maxExcerpt))
	}

	b.WriteString("Analyze the failure and propose a fix. Reply with exactly one JSON object on a single line ")
	b.WriteString(`with the string keys "analysis", "fix", "fixType" and "reasoning". `)
	b.WriteString(`"fixType" must be "command" for a shell command, "code" for a code change, or "manual" `)
	b.WriteString("if a human has to act. Do not wrap the JSON in markdown.")

	// Braces in quoted output would be mistaken for the reply.
	return strings.NewReplacer("{", "(", "}", ")").Replace(b.String())
}

// ExtractJSONObjects returns every balanced top-level {...} span in text,
// in order. Braces inside JSON strings are ignored.
func ExtractJSONObjects(text string) []string {
	var (
		out     []string
		depth   int
		start   = -1
		inStr   bool
		escaped bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// ParseFixSuggestion extracts the agent's structured reply from output.
// The first balanced object that decodes with a non-empty fix wins; when
// none does, the trimmed text itself becomes a command fix.
func ParseFixSuggestion(output string) *models.FixSuggestion {
	for _, obj := range ExtractJSONObjects(output) {
		// Terminal wrapping can split the object across lines.
		candidate := strings.ReplaceAll(obj, "\n", " ")
		var fs models.FixSuggestion
		if err := json.Unmarshal([]byte(candidate), &fs); err != nil {
			continue
		}
		if strings.TrimSpace(fs.Fix) == "" {
			continue
		}
		fs.FixType = normalizeFixType(fs.FixType)
		return &fs
	}
	return &models.FixSuggestion{
		Fix:     strings.TrimSpace(output),
		FixType: models.FixTypeCommand,
	}
}

func normalizeFixType(t models.FixType) models.FixType {
	switch models.FixType(strings.ToLower(strings.TrimSpace(string(t)))) {
	case models.FixTypeCode:
		return models.FixTypeCode
	case models.FixTypeManual:
		return models.FixTypeManual
	default:
		return models.FixTypeCommand
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut++
	}
	return "..." + s[cut:]
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
