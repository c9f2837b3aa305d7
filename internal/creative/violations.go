package creative

import (
	"strings"
	"unicode"
)

// FindViolations returns the banned words or phrases that appear on word
// boundaries in any of texts, matched case-insensitively, in banned-list order.
func FindViolations(banned []string, texts ...string) []string {
	if len(banned) == 0 {
		return nil
	}
	var tokens []string
	for _, text := range texts {
		tokens = append(tokens, strings.FieldsFunc(strings.ToLower(text), notWordRune)...)
	}
	haystack := " " + strings.Join(tokens, " ") + " "

	var hits []string
	seen := map[string]struct{}{}
	for _, b := range banned {
		needle := strings.Join(strings.FieldsFunc(strings.ToLower(b), notWordRune), " ")
		if needle == "" {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		if strings.Contains(haystack, " "+needle+" ") {
			seen[needle] = struct{}{}
			hits = append(hits, b)
		}
	}
	return hits
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
}
