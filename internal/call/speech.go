package call

import (
	"regexp"
	"strings"
	"unicode"
)

type speechRule struct {
	pattern *regexp.Regexp
	repl    string
}

// Applied in order: code spans go first so link and URL rules never see
// their contents.
var speechRules = []speechRule{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
}

type runeAction int

const (
	runeKeep runeAction = iota
	runeSpace
	runeDrop
)

// spokenRune decides what a rune becomes when read over the phone. Markdown
// markers and separators turn into word breaks. Emoji, joiners and symbol
// glyphs vanish.
func spokenRune(r rune) runeAction {
	switch {
	case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		return runeDrop
	case unicode.IsSpace(r):
		return runeSpace
	case unicode.IsControl(r):
		return runeDrop
	case strings.ContainsRune("*_\\/|#~<>`", r):
		return runeSpace
	case strings.ContainsRune(".,!?:;'\"-()%&@+", r):
		return runeKeep
	case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		return runeDrop
	case unicode.IsPunct(r):
		return runeSpace
	}
	return runeKeep
}

// sanitizeSpeech prepares a complete utterance for the caller. Whitespace
// runs collapse to one space.
func sanitizeSpeech(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, rule := range speechRules {
		raw = rule.pattern.ReplaceAllString(raw, rule.repl)
	}

	var b strings.Builder
	b.Grow(len(raw))
	gap := false
	for _, r := range raw {
		switch spokenRune(r) {
		case runeDrop:
		case runeSpace:
			gap = b.Len() > 0
		case runeKeep:
			if gap {
				b.WriteByte(' ')
				gap = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// speechToken filters one streamed delta. Spaces are passed through
// untouched so deltas still join into words.
func speechToken(delta string) string {
	var b strings.Builder
	b.Grow(len(delta))
	for _, r := range delta {
		if r == ' ' {
			b.WriteByte(' ')
			continue
		}
		switch spokenRune(r) {
		case runeKeep:
			b.WriteRune(r)
		case runeSpace:
			// Emphasis markers may span deltas, so they vanish instead of
			// splitting a word.
			if !strings.ContainsRune("*_#~`", r) {
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}
