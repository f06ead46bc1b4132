package match

import "strings"

// DefaultQueryTokens caps how many title tokens go into a search query. Long
// literal titles return poor marketplace results; short queries rank better.
const DefaultQueryTokens = 6

// CleanQuery derives a secondary-marketplace search term from a primary title:
// bracket characters stripped, whitespace collapsed, single-character tokens
// dropped, capped at maxTokens tokens.
func CleanQuery(title string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultQueryTokens
	}
	fields := strings.Fields(cleanBrackets(title))
	kept := make([]string, 0, maxTokens)
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		kept = append(kept, f)
		if len(kept) == maxTokens {
			break
		}
	}
	return strings.Join(kept, " ")
}
