// Package buffer turns raw terminal captures into plain text.
package buffer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// DefaultBanner matches lines of the agent's startup banner.
var DefaultBanner = []string{
	`(?i)^tips for getting started`,
	`(?i)^\d+\.\s*(ask questions, edit files|be specific for the best results|create \S+\.md files|/help for more information)`,
	`(?i)^using:?\s+\d+\s+\S+\.md files?`,
	`(?i)^you are running .* in your home directory`,
}

// DefaultFooter matches interrupt hints and status footer lines.
var DefaultFooter = []string{
	`(?i)\(esc to (cancel|interrupt)`,
	`(?i)\besc to (cancel|interrupt)\b`,
	`(?i)press ctrl\+c`,
	`(?i)ctrl\+c to (exit|quit|cancel)`,
	`(?i)^\?\s*for shortcuts`,
	`(?i)^>?\s*type your message`,
	`(?i)\bno sandbox\b.*\(see /docs\)`,
	`(?i)\(\d+% context left\)`,
	`(?i)^accepting edits \(shift \+ tab`,
	`(?i)^yolo mode \(ctrl \+ y`,
}

// spinnerRunes are animation frames drawn by terminal spinners.
const spinnerRunes = "◐◓◑◒◴◷◶◵✶✷✸✹✺✻✽"

// Sampler strips terminal noise from captured screens.
type Sampler struct {
	noise []*regexp.Regexp
}

// New builds a Sampler that drops lines matching any of the given patterns
// in addition to the escape, box and spinner glyph stripping every Sampler does.
func New(patterns ...[]string) (*Sampler, error) {
	s := &Sampler{}
	for _, group := range patterns {
		for _, p := range group {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, err
			}
			s.noise = append(s.noise, re)
		}
	}
	return s, nil
}

var defaultSampler = mustNew(DefaultBanner, DefaultFooter)

func mustNew(patterns ...[]string) *Sampler {
	s, err := New(patterns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Clean applies the default sampler.
func Clean(raw string) string {
	return defaultSampler.Clean(raw)
}

// Clean removes escape sequences, box-drawing and spinner glyphs, banner and
// footer lines, and blank lines. It is a pure function of raw.
func (s *Sampler) Clean(raw string) string {
	text := StripControl(raw)

	var kept []string
	for line := range strings.SplitSeq(text, "\n") {
		stripped, changed := stripGlyphs(line)
		if changed {
			stripped = strings.TrimSpace(stripped)
		} else {
			stripped = strings.TrimRightFunc(stripped, unicode.IsSpace)
		}
		if strings.TrimSpace(stripped) == "" || s.isNoise(strings.TrimSpace(stripped)) {
			continue
		}
		kept = append(kept, stripped)
	}
	return strings.Join(kept, "\n")
}

// StripControl removes ANSI escape sequences and every control character
// except newline and tab. Carriage returns become newlines.
func StripControl(raw string) string {
	text := ansi.Strip(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, text)
}

func (s *Sampler) isNoise(line string) bool {
	for _, re := range s.noise {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// stripGlyphs drops box-drawing, block and spinner runes from line.
func stripGlyphs(line string) (string, bool) {
	changed := false
	out := strings.Map(func(r rune) rune {
		if isGlyph(r) {
			changed = true
			return -1
		}
		return r
	}, line)
	return out, changed
}

func isGlyph(r rune) bool {
	switch {
	case r >= 0x2500 && r <= 0x259F: // box drawing, block elements
		return true
	case r >= 0x2800 && r <= 0x28FF: // braille spinners
		return true
	}
	return strings.ContainsRune(spinnerRunes, r)
}
