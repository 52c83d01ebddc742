// Package classify scores chat text for harassment. The default Keyword
// scorer matches whole words and phrases after Unicode folding.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/you/livetap/internal/core"
)

// FlagThreshold is the lowest severity that marks a message as flagged.
const FlagThreshold = 5

// Classifier must be pure and safe for concurrent use.
type Classifier interface {
	Classify(text string) core.Classification
}

// Func adapts a plain function to Classifier.
type Func func(text string) core.Classification

func (f Func) Classify(text string) core.Classification { return f(text) }

type Category struct {
	Name     string
	Severity int
	Terms    []string
}

// DefaultCategories is the built-in term list, highest severity first.
var DefaultCategories = []Category{
	{Name: "threats", Severity: 10, Terms: []string{"kill", "murder", "die", "death", "hurt", "harm"}},
	{Name: "hate_speech", Severity: 9, Terms: []string{"hate", "racist", "nazi", "terrorist"}},
	{Name: "sexual_harassment", Severity: 8, Terms: []string{"sex", "nude", "naked", "porn"}},
	{Name: "cyberbullying", Severity: 7, Terms: []string{"nobody likes you", "everyone hates", "kill yourself"}},
	{Name: "insults", Severity: 5, Terms: []string{"stupid", "idiot", "moron", "loser", "ugly", "fat"}},
}

type term struct {
	words    []string
	category int
}

type Keyword struct {
	categories []Category
	terms      []term
}

func NewKeyword(categories []Category) *Keyword {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	k := &Keyword{categories: categories}
	for i, c := range categories {
		for _, t := range c.Terms {
			words := k.tokens(t)
			if len(words) == 0 {
				continue
			}
			k.terms = append(k.terms, term{words: words, category: i})
		}
	}
	return k
}

// Classify returns the highest-severity category with any matched term.
// MatchedTerms lists every term that matched, in category order.
func (k *Keyword) Classify(text string) core.Classification {
	words := k.tokens(text)
	var out core.Classification
	if len(words) == 0 {
		return out
	}
	best := -1
	for _, t := range k.terms {
		if !containsSeq(words, t.words) {
			continue
		}
		out.MatchedTerms = append(out.MatchedTerms, strings.Join(t.words, " "))
		if c := k.categories[t.category]; best < 0 || c.Severity > k.categories[best].Severity {
			best = t.category
		}
	}
	if best >= 0 {
		out.Severity = clamp(k.categories[best].Severity)
		out.Category = k.categories[best].Name
		out.Flagged = out.Severity >= FlagThreshold
	}
	return out
}

// tokens folds case, applies NFKC, and splits on anything that is not a
// letter, digit or apostrophe.
func (k *Keyword) tokens(s string) []string {
	// A Caser is stateful and must not be shared between goroutines.
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsSeq(words, seq []string) bool {
	if len(seq) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(words); i++ {
		for j := range seq {
			if words[i+j] != seq[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

func clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 10:
		return 10
	}
	return n
}
