package panel

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTitleLen bounds derived conversation titles, in characters.
const MaxTitleLen = 50

// titlePrefixes are stripped from the first message; order matters, the first
// match wins.
var titlePrefixes = []string{"add task", "create task", "new task", "add a task", "create a task", "add", "create"}

// DeriveTitle turns the first user message of a conversation into its title:
// one leading task prefix removed, first letter upper-cased, at most
// MaxTitleLen characters with "..." marking a cut.
func DeriveTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)

	for _, prefix := range titlePrefixes {
		if len(title) >= len(prefix) && strings.EqualFold(title[:len(prefix)], prefix) {
			title = strings.TrimSpace(title[len(prefix):])
			break
		}
	}

	if r, size := utf8.DecodeRuneInString(title); size > 0 {
		title = string(unicode.ToUpper(r)) + title[size:]
	}

	title = truncate(title)
	if title == "" {
		title = truncate(firstMessage)
	}
	return title
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxTitleLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxTitleLen-3]) + "..."
}
