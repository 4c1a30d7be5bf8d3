package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/taskrun/internal/models"
)

func TestBuildFixPrompt_NoBraces(t *testing.T) {
	prompt := BuildFixPrompt(FixRequest{
		ProjectName: "demo",
		Command:     "write main.go with func main() { }",
		Kind:        KindFailure,
		Error:       "failure signature in agent output",
		Stdout:      `{"partial": true}`,
		Stderr:      "error: map[string]int{}",
	})

	assert.NotContains(t, prompt, "{")
	assert.NotContains(t, prompt, "}")
	assert.Contains(t, prompt, "demo")
	assert.Contains(t, prompt, `"fixType"`)
	assert.Contains(t, prompt, "error: map[string]int()")
}

func TestBuildFixPrompt_TruncatesOutput(t *testing.T) {
	prompt := BuildFixPrompt(FixRequest{
		Command: "x",
		Stdout:  strings.Repeat("a", maxExcerpt) + "END",
	})
	assert.Contains(t, prompt, "...")
	assert.Contains(t, prompt, "END")
}

func TestExtractJSONObjects(t *testing.T) {
	text := `noise {"a": "has } brace"} more {"b": {"nested": 1}} {unterminated`
	objs := ExtractJSONObjects(text)
	assert.Equal(t, []string{`{"a": "has } brace"}`, `{"b": {"nested": 1}}`}, objs)
}

func TestParseFixSuggestion_JSON(t *testing.T) {
	out := `Thinking...
{"analysis":"missing import","fix":"go get example.com/x","fixType":"command","reasoning":"module not in go.mod"}
? for shortcuts`
	fs := ParseFixSuggestion(out)

	require.NotNil(t, fs)
	assert.Equal(t, "missing import", fs.Analysis)
	assert.Equal(t, "go get example.com/x", fs.Fix)
	assert.Equal(t, models.FixTypeCommand, fs.FixType)
	assert.Equal(t, "module not in go.mod", fs.Reasoning)
}

func TestParseFixSuggestion_WrappedAcrossLines(t *testing.T) {
	out := "{\"analysis\":\"a\",\"fix\":\"rename the\nvariable\",\"fixType\":\"Code\"}"
	fs := ParseFixSuggestion(out)

	assert.Equal(t, "rename the variable", fs.Fix)
	assert.Equal(t, models.FixTypeCode, fs.FixType)
}

func TestParseFixSuggestion_SkipsObjectsWithoutFix(t *testing.T) {
	out := `{"status":"thinking"} {"fix":"rerun tests","fixType":"manual"}`
	fs := ParseFixSuggestion(out)

	assert.Equal(t, "rerun tests", fs.Fix)
	assert.Equal(t, models.FixTypeManual, fs.FixType)
}

func TestParseFixSuggestion_Fallback(t *testing.T) {
	fs := ParseFixSuggestion("  just run go mod tidy  \n")

	assert.Equal(t, "just run go mod tidy", fs.Fix)
	assert.Equal(t, models.FixTypeCommand, fs.FixType)
	assert.Empty(t, fs.Analysis)
}

func TestParseFixSuggestion_UnknownFixType(t *testing.T) {
	fs := ParseFixSuggestion(`{"fix":"x","fixType":"shell"}`)
	assert.Equal(t, models.FixTypeCommand, fs.FixType)
}
