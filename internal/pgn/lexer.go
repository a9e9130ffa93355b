package pgn

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenMove tokenKind = iota
	tokenOpenVariation
	tokenCloseVariation
)

type token struct {
	kind tokenKind
	text string
}

var gameResults = map[string]struct{}{
	"1-0":     {},
	"0-1":     {},
	"1/2-1/2": {},
	"*":       {},
}

// tokenize reduces movetext to SAN moves and variation brackets.
// Comments, NAGs, move numbers and results are dropped.
func tokenize(movetext string) []token {
	tokens := make([]token, 0)
	runes := []rune(movetext)
	for index := 0; index < len(runes); index++ {
		current := runes[index]
		switch {
		case unicode.IsSpace(current):
		case current == '{':
			for index < len(runes) && runes[index] != '}' {
				index++
			}
		case current == ';':
			for index < len(runes) && runes[index] != '\n' {
				index++
			}
		case current == '(':
			tokens = append(tokens, token{kind: tokenOpenVariation})
		case current == ')':
			tokens = append(tokens, token{kind: tokenCloseVariation})
		default:
			start := index
			for index < len(runes) && !isDelimiter(runes[index]) {
				index++
			}
			if word := moveText(string(runes[start:index])); word != "" {
				tokens = append(tokens, token{kind: tokenMove, text: word})
			}
			index--
		}
	}
	return tokens
}

func isDelimiter(value rune) bool {
	return unicode.IsSpace(value) || strings.ContainsRune("{};()", value)
}

// moveText strips move numbers from a word and reports "" for non-moves.
func moveText(word string) string {
	if strings.HasPrefix(word, "$") {
		return ""
	}
	if _, ok := gameResults[word]; ok {
		return ""
	}
	trimmed := strings.TrimLeft(word, "0123456789")
	if trimmed != word && strings.HasPrefix(trimmed, ".") {
		word = strings.TrimLeft(trimmed, ".")
	}
	return word
}

// normalizeSAN makes user-written and generated SAN comparable.
func normalizeSAN(san string) string {
	san = strings.ReplaceAll(san, "0-0-0", "O-O-O")
	san = strings.ReplaceAll(san, "0-0", "O-O")
	san = strings.ReplaceAll(san, "=", "")
	return strings.TrimRight(san, "+#!?")
}
