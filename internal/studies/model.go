package studies

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("studies: invalid user id")
	// ErrInvalidStudyID indicates that a study identifier is empty or exceeds storage bounds.
	ErrInvalidStudyID = errors.New("studies: invalid study id")
	// ErrInvalidSide indicates that a repertoire side is neither white nor black.
	ErrInvalidSide = errors.New("studies: invalid side")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// StudyID represents a validated local study identifier.
type StudyID string

// NewStudyID validates raw input and returns a StudyID.
func NewStudyID(rawInput string) (StudyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStudyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStudyID, maxIdentifierLength)
	}
	return StudyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StudyID) String() string {
	return string(id)
}

// Side is the color a repertoire is built for.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

// ParseSide validates raw input and returns a Side.
func ParseSide(rawInput string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SideWhite:
		return SideWhite, nil
	case SideBlack:
		return SideBlack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, rawInput)
	}
}

// String returns the side name.
func (side Side) String() string {
	return string(side)
}

// Study is the local copy of a remote study.
type Study struct {
	ID                   string `gorm:"column:study_id;primaryKey;size:190;not null"`
	UserID               string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_studies_user_remote,priority:1"`
	RemoteID             string `gorm:"column:remote_id;size:190;not null;uniqueIndex:idx_studies_user_remote,priority:2"`
	Name                 string `gorm:"column:name;size:512;not null;default:''"`
	LastModifiedOnRemote int64  `gorm:"column:last_modified_remote_ms;not null;default:0"`
	LastFetched          int64  `gorm:"column:last_fetched_ms;not null;default:0"`
	Content              string `gorm:"column:content;type:text;not null;default:''"`
	GuessedSide          string `gorm:"column:guessed_side;size:8;not null;default:''"`
	PreviewFEN           string `gorm:"column:preview_fen;size:128;not null;default:''"`
	Side                 string `gorm:"column:side;size:8;not null;default:''"`
	VariantOnly          bool   `gorm:"column:variant_only;not null;default:false"`
	Included             bool   `gorm:"column:included;not null;default:false"`
	Hidden               bool   `gorm:"column:hidden;not null;default:false"`
	RemovedOnRemote      bool   `gorm:"column:removed_on_remote;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Study) TableName() string {
	return "studies"
}

// PendingUpdate holds remote content staged for an included study.
type PendingUpdate struct {
	StudyID              string `gorm:"column:study_id;primaryKey;size:190;not null"`
	UserID               string `gorm:"column:user_id;size:190;not null;index"`
	FetchedAt            int64  `gorm:"column:fetched_at_ms;not null;default:0"`
	LastModifiedOnRemote int64  `gorm:"column:last_modified_remote_ms;not null;default:0"`
	NumNewMoves          int    `gorm:"column:num_new_moves;not null;default:0"`
	NumRemovedMoves      int    `gorm:"column:num_removed_moves;not null;default:0"`
	NumNewOwnMoves       int    `gorm:"column:num_new_own_moves;not null;default:0"`
	NumRemovedOwnMoves   int    `gorm:"column:num_removed_own_moves;not null;default:0"`
	Content              string `gorm:"column:content;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingUpdate) TableName() string {
	return "study_pending_updates"
}

// Move is a node of the shared repertoire graph.
type Move struct {
	ID          string `gorm:"column:move_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_moves_identity,priority:1"`
	Side        string `gorm:"column:side;size:8;not null;uniqueIndex:idx_moves_identity,priority:2"`
	Origin      string `gorm:"column:origin_fen;size:128;not null;uniqueIndex:idx_moves_identity,priority:3"`
	Destination string `gorm:"column:destination_fen;size:128;not null;uniqueIndex:idx_moves_identity,priority:4"`
	OwnMove     bool   `gorm:"column:own_move;not null;default:false"`
	Deleted     bool   `gorm:"column:deleted;not null;default:false;index"`
}

// TableName provides the explicit table binding for GORM.
func (Move) TableName() string {
	return "repertoire_moves"
}

// MoveOwner is an ownership edge between a move and a study.
type MoveOwner struct {
	MoveID  string `gorm:"column:move_id;primaryKey;size:190;not null"`
	StudyID string `gorm:"column:study_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (MoveOwner) TableName() string {
	return "repertoire_move_owners"
}

// SyncCheckpoint records when a user's studies were last reconciled.
type SyncCheckpoint struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastCheckedSeconds int64  `gorm:"column:last_checked_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCheckpoint) TableName() string {
	return "study_sync_checkpoints"
}

// Models lists every table owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{&Study{}, &PendingUpdate{}, &Move{}, &MoveOwner{}, &SyncCheckpoint{}}
}

// RemoteStudy is the metadata reported by the remote source.
type RemoteStudy struct {
	RemoteID     string
	Name         string
	LastModified time.Time
}

// StudyContent is the full content of a remote study.
type StudyContent struct {
	Content      string
	LastModified time.Time
}

// unixMillis keeps the millisecond precision lichess reports for updatedAt.
func unixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}
