// Package pgn turns study PGN into repertoire move records.
package pgn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

var (
	// ErrIllegalMove indicates SAN that does not match a legal move in its position.
	ErrIllegalMove = errors.New("pgn: illegal move")
	// ErrUnbalancedVariation indicates mismatched variation parentheses.
	ErrUnbalancedVariation = errors.New("pgn: unbalanced variation")
	// ErrInvalidStartPosition indicates an unreadable FEN tag.
	ErrInvalidStartPosition = errors.New("pgn: invalid start position")
)

// positionKeyFields keeps placement, side to move, castling and en passant.
const positionKeyFields = 4

// Parser implements studies.Parser for lichess study exports.
type Parser struct{}

var _ studies.Parser = (*Parser)(nil)

// NewParser constructs a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseMoves returns one record per ply across every standard chapter.
func (parser *Parser) ParseMoves(content string, side studies.Side, variantOnly bool) ([]studies.MoveRecord, error) {
	records := make([]studies.MoveRecord, 0)
	for index, chapter := range splitChapters(content) {
		if !chapter.isStandard() {
			continue
		}
		chapterRecords, _, err := walkChapter(chapter, side, variantOnly)
		if err != nil {
			return nil, fmt.Errorf("chapter %d: %w", index+1, err)
		}
		records = append(records, chapterRecords...)
	}
	return records, nil
}

// GuessSide takes the majority of chapter orientations, white on a tie.
func (parser *Parser) GuessSide(content string) studies.Side {
	white, black := 0, 0
	for _, chapter := range splitChapters(content) {
		switch strings.ToLower(strings.TrimSpace(chapter.tags[tagOrientation])) {
		case "white":
			white++
		case "black":
			black++
		}
	}
	if black > white {
		return studies.SideBlack
	}
	return studies.SideWhite
}

// PreviewPosition returns the FEN reached at the end of the first chapter's main line.
func (parser *Parser) PreviewPosition(content string) string {
	for _, chapter := range splitChapters(content) {
		if !chapter.isStandard() {
			continue
		}
		_, final, err := walkChapter(chapter, studies.SideWhite, true)
		if err != nil {
			return ""
		}
		return final.String()
	}
	return ""
}

// frame is the line state saved when a variation opens.
type frame struct {
	position *chess.Position
	previous *chess.Position
}

// walkChapter plays the chapter's movetext and returns its records and the final
// main-line position.
func walkChapter(chapter chapter, side studies.Side, variantOnly bool) ([]studies.MoveRecord, *chess.Position, error) {
	position, err := startPosition(chapter)
	if err != nil {
		return nil, nil, err
	}
	var (
		previous *chess.Position
		stack    []frame
		records  = make([]studies.MoveRecord, 0)
	)

	for _, current := range tokenize(chapter.movetext) {
		switch current.kind {
		case tokenOpenVariation:
			if previous == nil && (!variantOnly || len(stack) == 0) {
				return nil, nil, fmt.Errorf("%w: variation before first move", ErrUnbalancedVariation)
			}
			stack = append(stack, frame{position: position, previous: previous})
			if previous != nil {
				position, previous = previous, nil
			}
		case tokenCloseVariation:
			if len(stack) == 0 {
				return nil, nil, fmt.Errorf("%w: unexpected ')'", ErrUnbalancedVariation)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			position, previous = top.position, top.previous
		case tokenMove:
			if variantOnly && len(stack) > 0 {
				continue
			}
			move, err := decodeSAN(position, current.text)
			if err != nil {
				return nil, nil, err
			}
			next := position.Update(move)
			records = append(records, studies.MoveRecord{
				Side:        side,
				Origin:      positionKey(position),
				Destination: positionKey(next),
				OwnMove:     colorSide(position.Turn()) == side,
			})
			previous, position = position, next
		}
	}
	if len(stack) > 0 {
		return nil, nil, fmt.Errorf("%w: %d unclosed", ErrUnbalancedVariation, len(stack))
	}
	return records, position, nil
}

func startPosition(chapter chapter) (*chess.Position, error) {
	fen := strings.TrimSpace(chapter.tags[tagFEN])
	if fen == "" {
		return chess.StartingPosition(), nil
	}
	option, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStartPosition, err)
	}
	return chess.NewGame(option).Position(), nil
}

func decodeSAN(position *chess.Position, san string) (*chess.Move, error) {
	want := normalizeSAN(san)
	notation := chess.AlgebraicNotation{}
	for _, move := range position.ValidMoves() {
		if normalizeSAN(notation.Encode(position, move)) == want {
			return move, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrIllegalMove, san, position.String())
}

// positionKey drops the move clocks so transpositions share a key.
func positionKey(position *chess.Position) string {
	fields := strings.Fields(position.String())
	if len(fields) > positionKeyFields {
		fields = fields[:positionKeyFields]
	}
	return strings.Join(fields, " ")
}

func colorSide(color chess.Color) studies.Side {
	if color == chess.Black {
		return studies.SideBlack
	}
	return studies.SideWhite
}
