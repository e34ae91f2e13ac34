package conflict

import (
	"strings"
	"unicode"

	"editstate/internal/state"
)

func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

// wordOverlap returns the Jaccard similarity of the word sets of a and b.
// Two texts without words are identical.
func wordOverlap(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	shared := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(wa)+len(wb)-shared)
}

// rewrites reports whether c replaces existing text with new text.
func rewrites(c *state.Change) bool {
	return c.Type == state.ChangeReplace || (c.Type == state.ChangeInsert && c.Range.Len() > 0)
}

// exclusive reports whether a and b express incompatible intents over the
// same text: one deletes what the other rewrites, or both rewrite it into
// unrelated text.
func exclusive(a, b *state.Change, threshold float64) bool {
	if deleteMeetsRewrite(a, b) {
		return true
	}
	if rewrites(a) && rewrites(b) {
		return wordOverlap(a.AfterText, b.AfterText) < threshold
	}
	return false
}

func deleteMeetsRewrite(a, b *state.Change) bool {
	return (a.Type == state.ChangeDelete && rewrites(b)) || (b.Type == state.ChangeDelete && rewrites(a))
}

// dropsLineBreaks reports whether c removes line breaks from the text it
// edits.
func dropsLineBreaks(c *state.Change) bool {
	return strings.Count(c.AfterText, "\n") < strings.Count(c.BeforeText, "\n")
}

func duplicates(a, b *state.Change) bool {
	return a.Type == b.Type && a.Range == b.Range && a.AfterText == b.AfterText
}
