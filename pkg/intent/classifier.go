// Package intent decides whether a user utterance asks to be handed off to a human operator.
package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultLexicon holds the handoff trigger phrases, already normalized.
var DefaultLexicon = []string{
	"falar com atendente",
	"falar com um atendente",
	"falar com uma atendente",
	"quero falar com alguem",
	"falar com uma pessoa",
	"falar com humano",
	"falar com um humano",
	"atendimento humano",
	"atendente humano",
	"quero um atendente",
	"chamar atendente",
	"pessoa de verdade",
	"voce e um robo",
	"voce e robo",
}

// Classifier matches utterances against a fixed set of normalized trigger phrases.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	phrases []string
}

// NewClassifier builds a classifier from DefaultLexicon plus the extra phrases.
// Extra phrases are normalized the same way utterances are.
func NewClassifier(extra ...string) *Classifier {
	seen := map[string]struct{}{}
	phrases := make([]string, 0, len(DefaultLexicon)+len(extra))
	for _, p := range append(append([]string(nil), DefaultLexicon...), extra...) {
		n := Normalize(p)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		phrases = append(phrases, n)
	}
	return &Classifier{phrases: phrases}
}

var defaultClassifier = NewClassifier()

// Classify reports whether utterance contains a handoff trigger of the default lexicon.
func Classify(utterance string) bool {
	return defaultClassifier.Classify(utterance)
}

func (c *Classifier) Classify(utterance string) bool {
	_, ok := c.Match(utterance)
	return ok
}

// Match returns the first trigger phrase contained in utterance.
func (c *Classifier) Match(utterance string) (string, bool) {
	if c == nil {
		return "", false
	}
	n := Normalize(utterance)
	if n == "" {
		return "", false
	}
	for _, p := range c.phrases {
		if strings.Contains(n, p) {
			return p, true
		}
	}
	return "", false
}

// Phrases returns a copy of the normalized lexicon.
func (c *Classifier) Phrases() []string {
	return append([]string(nil), c.phrases...)
}

// Normalize decomposes s, strips combining marks, lower-cases it and collapses
// whitespace runs (including line breaks) to single spaces, so a phrase split
// across lines in the input box still matches.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
