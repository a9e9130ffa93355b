package studies

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyResult reports the graph changes made when a pending update is applied.
type ApplyResult struct {
	NumAdded   int
	NumRemoved int
	NumOrphans int
}

// FetchStudyUpdate fetches the remote content of an included study and stages it
// as its pending update, replacing any previous one.
func (service *Service) FetchStudyUpdate(ctx context.Context, userID UserID, studyID StudyID) (PendingUpdate, error) {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opFetchUpdate, userID, studyID)
	if err != nil {
		return PendingUpdate{}, err
	}
	state, err := service.studyState(opFetchUpdate, study)
	if err != nil {
		return PendingUpdate{}, err
	}
	if !state.IsIncluded() {
		return PendingUpdate{}, newServiceError(opFetchUpdate, "not_included",
			fmt.Errorf("%w: study %s is not included", ErrPrecondition, studyID))
	}
	return service.stageUpdate(ctx, opFetchUpdate, userID, study, time.Time{})
}

// stageUpdate leaves the live graph untouched; only the pending row is written.
func (service *Service) stageUpdate(ctx context.Context, operation string, userID UserID, study Study, remoteModified time.Time) (PendingUpdate, error) {
	content, err := service.source.FetchStudyContent(ctx, userID, study.RemoteID)
	if err != nil {
		service.logError(operation, reasonFetchFailed, err, zap.String(fieldStudyID, study.ID))
		return PendingUpdate{}, newServiceError(operation, reasonFetchFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}
	records, err := service.parser.ParseMoves(content.Content, studySide(study), study.VariantOnly)
	if err != nil {
		service.logError(operation, reasonParseFailed, err, zap.String(fieldStudyID, study.ID))
		return PendingUpdate{}, newServiceError(operation, reasonParseFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}

	pending := PendingUpdate{
		StudyID:              study.ID,
		UserID:               study.UserID,
		FetchedAt:            service.nowMillis(),
		LastModifiedOnRemote: maxInt64(latestMillis(content.LastModified, remoteModified), study.LastFetched),
		Content:              content.Content,
	}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		existing, _, err := ownedRecords(transaction, study.ID)
		if err != nil {
			return err
		}
		diff := DiffMoves(existing, records)
		pending.NumNewMoves = diff.NumAdded()
		pending.NumRemovedMoves = diff.NumRemoved()
		pending.NumNewOwnMoves = diff.NumAddedOwn()
		pending.NumRemovedOwnMoves = diff.NumRemovedOwn()
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "study_id"}},
			UpdateAll: true,
		}).Create(&pending).Error
	})
	if transactionError != nil {
		service.logError(operation, reasonTransaction, transactionError, zap.String(fieldStudyID, study.ID))
		return PendingUpdate{}, storageError(operation, transactionError)
	}

	service.logger.Info("study update staged",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldStudyID, study.ID),
		zap.Int("new_moves", pending.NumNewMoves),
		zap.Int("removed_moves", pending.NumRemovedMoves))
	return pending, nil
}

// ApplyPendingUpdate merges the staged content into the repertoire graph.
func (service *Service) ApplyPendingUpdate(ctx context.Context, userID UserID, studyID StudyID) (ApplyResult, error) {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opApplyUpdate, userID, studyID)
	if err != nil {
		return ApplyResult{}, err
	}
	state, err := service.studyState(opApplyUpdate, study)
	if err != nil {
		return ApplyResult{}, err
	}
	if !state.IsIncluded() {
		return ApplyResult{}, newServiceError(opApplyUpdate, "not_included",
			fmt.Errorf("%w: study %s is not included", ErrPrecondition, studyID))
	}

	result := ApplyResult{}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		pending, err := loadPendingUpdate(transaction, study.ID)
		if err != nil {
			return err
		}
		if pending == nil {
			return newServiceError(opApplyUpdate, reasonNotFound,
				fmt.Errorf("%w: no pending update for study %s", ErrNotFound, studyID))
		}
		records, err := service.parser.ParseMoves(pending.Content, studySide(study), study.VariantOnly)
		if err != nil {
			return newServiceError(opApplyUpdate, reasonParseFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
		}

		existing, moves, err := ownedRecords(transaction, study.ID)
		if err != nil {
			return err
		}
		diff := DiffMoves(existing, records)
		if err := service.attachMoves(transaction, study.UserID, study.ID, diff.Added); err != nil {
			return err
		}

		removedKeys := indexRecords(diff.Removed)
		removedIDs := make([]string, 0, len(diff.Removed))
		for _, move := range moves {
			if _, ok := removedKeys[move.key()]; ok {
				removedIDs = append(removedIDs, move.ID)
			}
		}
		orphans, err := detachStudyMoves(transaction, study.ID, removedIDs)
		if err != nil {
			return err
		}

		if err := transaction.Model(&Study{}).Where(queryStudyID, study.ID).Updates(map[string]interface{}{
			"content":                pending.Content,
			"last_modified_remote_ms": pending.LastModifiedOnRemote,
			"last_fetched_ms":         maxInt64(pending.FetchedAt, pending.LastModifiedOnRemote),
			"guessed_side":           service.parser.GuessSide(pending.Content).String(),
			"preview_fen":            service.parser.PreviewPosition(pending.Content),
		}).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryStudyID, study.ID).Delete(&PendingUpdate{}).Error; err != nil {
			return err
		}

		result = ApplyResult{NumAdded: diff.NumAdded(), NumRemoved: diff.NumRemoved(), NumOrphans: orphans}
		return nil
	})
	if transactionError != nil {
		service.logError(opApplyUpdate, reasonTransaction, transactionError, zap.String(fieldStudyID, study.ID))
		return ApplyResult{}, storageError(opApplyUpdate, transactionError)
	}

	service.logger.Info("study update applied",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldStudyID, study.ID),
		zap.Int("added", result.NumAdded),
		zap.Int("removed", result.NumRemoved),
		zap.Int("orphans", result.NumOrphans))
	return result, nil
}

// DismissPendingUpdate drops the staged update and marks its remote version as seen.
func (service *Service) DismissPendingUpdate(ctx context.Context, userID UserID, studyID StudyID) error {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opDismissUpdate, userID, studyID)
	if err != nil {
		return err
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		pending, err := loadPendingUpdate(transaction, study.ID)
		if err != nil {
			return err
		}
		if pending == nil {
			return newServiceError(opDismissUpdate, reasonNotFound,
				fmt.Errorf("%w: no pending update for study %s", ErrNotFound, studyID))
		}
		if err := transaction.Model(&Study{}).Where(queryStudyID, study.ID).
			Update("last_fetched_ms", maxInt64(study.LastFetched, pending.LastModifiedOnRemote)).Error; err != nil {
			return err
		}
		return transaction.Where(queryStudyID, study.ID).Delete(&PendingUpdate{}).Error
	})
	if transactionError != nil {
		service.logError(opDismissUpdate, reasonTransaction, transactionError, zap.String(fieldStudyID, study.ID))
		return storageError(opDismissUpdate, transactionError)
	}
	return nil
}

func studySide(study Study) Side {
	if side, err := ParseSide(study.Side); err == nil {
		return side
	}
	if side, err := ParseSide(study.GuessedSide); err == nil {
		return side
	}
	return SideWhite
}
