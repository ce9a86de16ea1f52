// Package lexis holds the text-side collaborators of the field: the
// tokenizer, the vocabulary that maps surface forms to token ids, and the
// content-word extraction used by the seed overlap check.
package lexis

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/haricheung/haze/internal/types"
)

// wordRe matches a letter/digit run with an optional apostrophe suffix
// ("what's", "don't") or a single punctuation rune.
var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+(?:'[\p{L}]+)?|[^\s\p{L}\p{N}]`)

// Split returns the surface tokens of text with case preserved.
func Split(text string) []string {
	return wordRe.FindAllString(text, -1)
}

// Tokenize returns the lowercased surface tokens of text.
//
// Expectations:
//   - Letters and digits group into words; each other non-space rune is its own token
//   - An apostrophe followed by letters stays inside the word
//   - Empty or whitespace-only input yields an empty slice
func Tokenize(text string) []string {
	parts := Split(text)
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return parts
}

// IsWord reports whether form contains at least one letter or digit.
func IsWord(form string) bool {
	for _, r := range form {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// ── Vocabulary ───────────────────────────────────────────────────────────────

// Vocabulary is a bidirectional map between surface forms and token ids.
// Ids are dense, starting at 0, in order of first Add.
//
// Expectations:
//   - Add is idempotent: adding a known form returns its existing id
//   - ID returns (NoToken, false) for unknown forms
//   - Form returns "" for ids outside [0, Size)
//   - A vocabulary shared by a store is never mutated; Clone before extending
type Vocabulary struct {
	forms []string
	ids   map[string]types.Token
}

// NewVocabulary returns a vocabulary holding forms in order.
func NewVocabulary(forms ...string) *Vocabulary {
	v := &Vocabulary{ids: make(map[string]types.Token, len(forms))}
	for _, f := range forms {
		v.Add(f)
	}
	return v
}

// Add returns the id of form, assigning the next id when form is new.
func (v *Vocabulary) Add(form string) types.Token {
	if id, ok := v.ids[form]; ok {
		return id
	}
	id := types.Token(len(v.forms))
	v.forms = append(v.forms, form)
	v.ids[form] = id
	return id
}

// ID looks up form.
func (v *Vocabulary) ID(form string) (types.Token, bool) {
	id, ok := v.ids[form]
	if !ok {
		return types.NoToken, false
	}
	return id, true
}

// Form returns the surface form of tok.
func (v *Vocabulary) Form(tok types.Token) string {
	if tok < 0 || int(tok) >= len(v.forms) {
		return ""
	}
	return v.forms[tok]
}

// Forms returns a copy of all forms in id order.
func (v *Vocabulary) Forms() []string {
	out := make([]string, len(v.forms))
	copy(out, v.forms)
	return out
}

// Size returns the number of forms.
func (v *Vocabulary) Size() int { return len(v.forms) }

// Clone returns an independent copy that can be extended.
func (v *Vocabulary) Clone() *Vocabulary {
	c := &Vocabulary{
		forms: make([]string, len(v.forms)),
		ids:   make(map[string]types.Token, len(v.ids)),
	}
	copy(c.forms, v.forms)
	for k, id := range v.ids {
		c.ids[k] = id
	}
	return c
}

// Encode tokenizes text and maps each form to its id. Unknown forms map to
// NoToken so callers can see where the vocabulary ran out.
func (v *Vocabulary) Encode(text string) []types.Token {
	forms := Tokenize(text)
	out := make([]types.Token, len(forms))
	for i, f := range forms {
		out[i], _ = v.ID(f)
	}
	return out
}

// EncodeKnown is Encode with unknown forms dropped.
func (v *Vocabulary) EncodeKnown(text string) []types.Token {
	var out []types.Token
	for _, tok := range v.Encode(text) {
		if tok != types.NoToken {
			out = append(out, tok)
		}
	}
	return out
}

// Decode renders tokens as text: words are space separated, closing
// punctuation attaches to the previous word and opening punctuation to the
// next. Ids outside the vocabulary are skipped.
func (v *Vocabulary) Decode(tokens []types.Token) string {
	var b strings.Builder
	glue := true
	for _, tok := range tokens {
		form := v.Form(tok)
		if form == "" {
			continue
		}
		if !glue && !attachesLeft(form) {
			b.WriteByte(' ')
		}
		b.WriteString(form)
		glue = attachesRight(form)
	}
	return b.String()
}

func attachesLeft(form string) bool {
	return strings.ContainsAny(form, ".,!?;:)]}%…") && !IsWord(form)
}

func attachesRight(form string) bool {
	return strings.ContainsAny(form, "([{") && !IsWord(form)
}
