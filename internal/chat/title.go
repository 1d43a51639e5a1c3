package chat

import (
	"strings"

	"moonit/internal/models"
)

const (
	titleWords    = 5
	titleMaxRunes = 30
)

// DeriveTitle names a session after the opening words of its first message: the
// first five words, cut to 30 characters plus "..." when longer.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return models.DefaultSessionTitle
	}
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	if runes := []rune(title); len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes]) + "..."
	}
	return title
}
