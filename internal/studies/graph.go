package studies

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sqliteChunkSize keeps IN clauses below the bound-parameter limit.
const sqliteChunkSize = 500

func ownedMoves(transaction *gorm.DB, studyID string) ([]Move, error) {
	var moves []Move
	err := transaction.Model(&Move{}).
		Select("repertoire_moves.*").
		Joins("JOIN repertoire_move_owners ON repertoire_move_owners.move_id = repertoire_moves.move_id").
		Where("repertoire_move_owners.study_id = ?", studyID).
		Find(&moves).Error
	return moves, err
}

func ownedRecords(transaction *gorm.DB, studyID string) ([]MoveRecord, []Move, error) {
	moves, err := ownedMoves(transaction, studyID)
	if err != nil {
		return nil, nil, err
	}
	records := make([]MoveRecord, 0, len(moves))
	for _, move := range moves {
		records = append(records, move.record())
	}
	return records, moves, nil
}

// attachMoves upserts records by identity key and makes studyID an owner of each.
// Existing soft-deleted moves are revived.
func (service *Service) attachMoves(transaction *gorm.DB, userID, studyID string, records []MoveRecord) error {
	records = uniqueRecords(records)
	if len(records) == 0 {
		return nil
	}

	existingByKey, err := lookupMoves(transaction, userID, records)
	if err != nil {
		return err
	}

	created := make([]Move, 0)
	revived := make([]string, 0)
	edges := make([]MoveOwner, 0, len(records))
	for _, record := range records {
		move, ok := existingByKey[record.Key()]
		if ok {
			if move.Deleted {
				revived = append(revived, move.ID)
			}
		} else {
			moveID, err := service.idProvider.NewID()
			if err != nil {
				return err
			}
			move = Move{
				ID:          moveID,
				UserID:      userID,
				Side:        record.Side.String(),
				Origin:      record.Origin,
				Destination: record.Destination,
				OwnMove:     record.OwnMove,
			}
			created = append(created, move)
		}
		edges = append(edges, MoveOwner{MoveID: move.ID, StudyID: studyID})
	}

	if len(created) > 0 {
		if err := transaction.CreateInBatches(&created, sqliteChunkSize/8).Error; err != nil {
			return err
		}
	}
	for _, chunk := range chunkStrings(revived) {
		if err := transaction.Model(&Move{}).Where(queryMoveIDIn, chunk).Update("deleted", false).Error; err != nil {
			return err
		}
	}
	return transaction.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&edges, sqliteChunkSize/2).Error
}

// detachStudyMoves removes the edges between studyID and moveIDs and soft-deletes
// every move left without owners. It is the only place edges are removed.
func detachStudyMoves(transaction *gorm.DB, studyID string, moveIDs []string) (int, error) {
	if len(moveIDs) == 0 {
		return 0, nil
	}

	owners := make(map[string][]string, len(moveIDs))
	for _, moveID := range moveIDs {
		owners[moveID] = nil
	}
	for _, chunk := range chunkStrings(moveIDs) {
		var edges []MoveOwner
		if err := transaction.Where(queryMoveIDIn, chunk).Find(&edges).Error; err != nil {
			return 0, err
		}
		for _, edge := range edges {
			owners[edge.MoveID] = append(owners[edge.MoveID], edge.StudyID)
		}
	}

	orphans := DetectOrphans(studyID, owners)

	for _, chunk := range chunkStrings(moveIDs) {
		if err := transaction.Where("study_id = ? AND move_id IN ?", studyID, chunk).Delete(&MoveOwner{}).Error; err != nil {
			return 0, err
		}
	}
	for _, chunk := range chunkStrings(orphans) {
		if err := transaction.Model(&Move{}).Where(queryMoveIDIn, chunk).Update("deleted", true).Error; err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

func loadPendingUpdate(database *gorm.DB, studyID string) (*PendingUpdate, error) {
	var pending PendingUpdate
	err := database.Where(queryStudyID, studyID).Take(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

func moveIDs(moves []Move) []string {
	ids := make([]string, 0, len(moves))
	for _, move := range moves {
		ids = append(ids, move.ID)
	}
	return ids
}

// lookupMoves loads the user's moves matching the identity keys of records,
// querying (origin, destination) pairs per side in chunks.
func lookupMoves(transaction *gorm.DB, userID string, records []MoveRecord) (map[MoveKey]Move, error) {
	pairsBySide := make(map[Side][][]interface{}, 2)
	sides := make([]Side, 0, 2)
	for _, record := range records {
		if _, ok := pairsBySide[record.Side]; !ok {
			sides = append(sides, record.Side)
		}
		pairsBySide[record.Side] = append(pairsBySide[record.Side], []interface{}{record.Origin, record.Destination})
	}

	found := make(map[MoveKey]Move, len(records))
	for _, side := range sides {
		pairs := pairsBySide[side]
		for start := 0; start < len(pairs); start += sqliteChunkSize / 2 {
			end := start + sqliteChunkSize/2
			if end > len(pairs) {
				end = len(pairs)
			}
			var moves []Move
			err := transaction.
				Where("user_id = ? AND side = ? AND (origin_fen, destination_fen) IN ?", userID, side.String(), pairs[start:end]).
				Find(&moves).Error
			if err != nil {
				return nil, err
			}
			for _, move := range moves {
				found[move.key()] = move
			}
		}
	}
	return found, nil
}

func chunkStrings(values []string) [][]string {
	chunks := make([][]string, 0, len(values)/sqliteChunkSize+1)
	for start := 0; start < len(values); start += sqliteChunkSize {
		end := start + sqliteChunkSize
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
