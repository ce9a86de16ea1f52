package seed

import "github.com/haricheung/haze/internal/lexis"

// FallbackFragments are generic content-bearing fragments used when every
// top center overlaps the prompt.
var FallbackFragments = []string{
	"the haze settles",
	"a field of echoes",
	"something stirs below",
	"light drifts across water",
	"silence between the waves",
	"the pattern holds",
	"wind over stone",
}

// commonPromptWords is vocabulary that shows up in a large share of prompts.
// Fallback fragments may not use any of it.
var commonPromptWords = []string{
	"hello", "hi", "hey", "love", "like", "help", "please", "thanks", "thank",
	"want", "need", "feel", "think", "know", "tell", "say", "said", "make",
	"get", "go", "see", "look", "time", "life", "people", "person", "man",
	"woman", "good", "bad", "day", "night", "world", "work", "today", "happy",
	"sad", "name", "question", "answer", "thing", "things", "way", "mean",
	"really", "okay", "ok", "sorry", "friend", "talk", "story", "write",
}

var commonSet = func() map[string]struct{} {
	var p lexis.OverlapPolicy
	return p.ContentSet(commonPromptWords)
}()

// commonOverlap returns the first content form of forms that is common
// prompt vocabulary, or "".
func commonOverlap(policy lexis.OverlapPolicy, forms []string) string {
	var fold lexis.OverlapPolicy
	for k := range policy.ContentSet(forms) {
		if _, ok := commonSet[fold.Normalize(k)]; ok {
			return k
		}
	}
	return ""
}
