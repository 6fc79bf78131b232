package relevance

import (
	"strings"
	"unicode"
)

// EntityClassifier extracts the entities a question is scoped to, so the
// filter can drop chunks about other people or subjects.
type EntityClassifier interface {
	Entities(query string) []string
}

// HeuristicClassifier finds entities without a model call: possessive forms
// ("John's") anywhere in the question, and capitalized words past the first
// position. Good enough for personal-document questions, and replaceable with
// a model-backed classifier behind the same interface.
type HeuristicClassifier struct{}

// Entities returns the distinct entities found in the query, in order of
// first appearance.
func (HeuristicClassifier) Entities(query string) []string {
	var entities []string
	seen := make(map[string]bool)

	add := func(name string) {
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		entities = append(entities, name)
	}

	for i, word := range strings.Fields(query) {
		token := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		})

		if base, ok := possessiveBase(token); ok {
			if isCapitalized(base) {
				add(base)
			}
			continue
		}

		token = strings.Trim(token, "'")
		// The leading word of a question is capitalized regardless of
		// whether it names anything, so it never counts on its own.
		if i > 0 && isCapitalized(token) {
			add(token)
		}
	}

	return entities
}

// possessiveBase strips a trailing 's or ’s and reports whether one was present.
func possessiveBase(token string) (string, bool) {
	for _, suffix := range []string{"'s", "’s", "'", "’"} {
		if strings.HasSuffix(token, suffix) && len(token) > len(suffix) {
			return strings.TrimSuffix(token, suffix), true
		}
	}
	return token, false
}

func isCapitalized(token string) bool {
	for _, r := range token {
		return unicode.IsUpper(r)
	}
	return false
}
