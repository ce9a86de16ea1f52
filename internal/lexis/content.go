package lexis

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are excluded from both sides of the seed overlap check.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the and or but nor so yet if then than
		i me my mine myself you your yours yourself he him his she her hers it its
		we us our ours they them their theirs this that these those
		am is are was were be been being do does did done have has had having
		will would shall should can could may might must
		to of in on at by for with from into onto over under up down out off
		about as not no yes just very too also only
		what which who whom whose when where why how
		all any both each few more most some such own same other
		there here s t d ll m re ve
		im youre its dont cant wont isnt arent whats thats
	`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether form is a stop word. The check is case-insensitive
// and ignores punctuation inside the form ("What's" and "whats" both match).
func IsStopWord(form string) bool {
	_, ok := stopWords[stripPunct(strings.ToLower(form))]
	return ok
}

// OverlapPolicy controls how surface forms are normalised before the seed
// overlap comparison. The zero value is case-insensitive with punctuation
// stripped. No stemming is applied.
type OverlapPolicy struct {
	CaseSensitive   bool `yaml:"case_sensitive"`
	KeepPunctuation bool `yaml:"keep_punctuation"`
}

// Normalize maps a surface form to its comparison key. The result is empty for
// pure punctuation when punctuation is stripped.
func (p OverlapPolicy) Normalize(form string) string {
	if !p.CaseSensitive {
		form = strings.ToLower(form)
	}
	if !p.KeepPunctuation {
		form = stripPunct(form)
	}
	return form
}

// ContentSet normalises forms and keeps those that are words but not stop words.
//
// Expectations:
//   - Stop words are dropped regardless of case
//   - Pure punctuation is dropped
//   - Empty input yields an empty, non-nil set
func (p OverlapPolicy) ContentSet(forms []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range forms {
		if !IsWord(f) || IsStopWord(f) {
			continue
		}
		if k := p.Normalize(f); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// ContentWords returns the sorted content set of a raw text.
func (p OverlapPolicy) ContentWords(text string) []string {
	set := p.ContentSet(Split(text))
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Overlaps reports whether any content form of forms is in set.
func (p OverlapPolicy) Overlaps(forms []string, set map[string]struct{}) bool {
	for k := range p.ContentSet(forms) {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return -1
	}, s)
}
