package social

import (
	"strings"
	"unicode/utf8"
)

const DefaultMaxReplyLength = 140

// ComposeReply prefixes text with "@handle" for every handle except empty
// ones, duplicates and the bot's own, and cuts the result to limit runes.
// A limit of zero or less means DefaultMaxReplyLength.
func ComposeReply(text, botHandle string, limit int, handles ...string) string {
	if limit <= 0 {
		limit = DefaultMaxReplyLength
	}

	bot := normalizeHandle(botHandle)
	seen := make(map[string]struct{}, len(handles))
	parts := make([]string, 0, len(handles)+1)

	for _, h := range handles {
		name := strings.TrimPrefix(strings.TrimSpace(h), "@")
		key := normalizeHandle(name)
		if key == "" || key == bot {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, "@"+name)
	}

	if text = strings.TrimSpace(text); text != "" {
		parts = append(parts, text)
	}
	return truncate(strings.Join(parts, " "), limit)
}

// StripHandle removes every @handle mention of the bot from text.
func StripHandle(text, botHandle string) string {
	bot := normalizeHandle(botHandle)
	if bot == "" {
		return strings.TrimSpace(text)
	}

	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		word := strings.TrimRight(f, ",.:;!?")
		if strings.HasPrefix(word, "@") && normalizeHandle(word) == bot {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:limit]), func(r rune) bool { return r == ' ' })
}
