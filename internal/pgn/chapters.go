package pgn

import (
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`^\[\s*([A-Za-z0-9_]+)\s+"((?:[^"\\]|\\.)*)"\s*\]$`)

const (
	tagVariant     = "Variant"
	tagFEN         = "FEN"
	tagOrientation = "Orientation"
)

var standardVariants = map[string]struct{}{
	"":              {},
	"standard":      {},
	"from position": {},
}

// chapter is one game of a multi-game PGN document.
type chapter struct {
	tags     map[string]string
	movetext string
}

func (c chapter) isStandard() bool {
	_, ok := standardVariants[strings.ToLower(strings.TrimSpace(c.tags[tagVariant]))]
	return ok
}

// splitChapters starts a new chapter whenever a tag line follows movetext.
func splitChapters(content string) []chapter {
	chapters := make([]chapter, 0)
	current := chapter{tags: make(map[string]string)}
	var movetext strings.Builder
	hasContent := false

	flush := func() {
		if !hasContent {
			return
		}
		current.movetext = movetext.String()
		chapters = append(chapters, current)
		current = chapter{tags: make(map[string]string)}
		movetext.Reset()
		hasContent = false
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if match := tagPattern.FindStringSubmatch(trimmed); match != nil {
			if movetext.Len() > 0 {
				flush()
			}
			current.tags[match[1]] = strings.ReplaceAll(match[2], `\"`, `"`)
			hasContent = true
			continue
		}
		if trimmed == "" {
			continue
		}
		movetext.WriteString(line)
		movetext.WriteByte('\n')
		hasContent = true
	}
	flush()
	return chapters
}
