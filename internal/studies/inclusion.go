package studies

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Include parses the study and merges its moves into the user's repertoire.
func (service *Service) Include(ctx context.Context, userID UserID, studyID StudyID, side Side, variantOnly bool) error {
	if _, err := ParseSide(side.String()); err != nil {
		return newServiceError(opInclude, "invalid_side", fmt.Errorf("%w: %v", ErrPrecondition, err))
	}

	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opInclude, userID, studyID)
	if err != nil {
		return err
	}
	state, err := service.studyState(opInclude, study)
	if err != nil {
		return err
	}
	switch state {
	case StudyStateHidden:
		return newServiceError(opInclude, "study_hidden",
			fmt.Errorf("%w: study %s is hidden", ErrPrecondition, studyID))
	case StudyStateIncluded, StudyStateRemovedOnRemote:
		return newServiceError(opInclude, "already_included",
			fmt.Errorf("%w: study %s is already included", ErrPrecondition, studyID))
	}

	records, err := service.parser.ParseMoves(study.Content, side, variantOnly)
	if err != nil {
		service.logError(opInclude, reasonParseFailed, err, zap.String(fieldStudyID, study.ID))
		return newServiceError(opInclude, reasonParseFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := service.attachMoves(transaction, study.UserID, study.ID, records); err != nil {
			return err
		}
		study.applyState(StudyStateIncluded)
		study.Side = side.String()
		study.VariantOnly = variantOnly
		return transaction.Model(&Study{}).Where(queryStudyID, study.ID).Updates(map[string]interface{}{
			"included":          study.Included,
			"hidden":            study.Hidden,
			"removed_on_remote": study.RemovedOnRemote,
			"side":              study.Side,
			"variant_only":      study.VariantOnly,
		}).Error
	})
	if transactionError != nil {
		service.logError(opInclude, reasonTransaction, transactionError,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldStudyID, study.ID))
		return storageError(opInclude, transactionError)
	}

	service.logger.Info("study included",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldStudyID, study.ID),
		zap.String("side", side.String()),
		zap.Int("moves", len(records)))
	return nil
}

// Uninclude removes the study from the repertoire and returns the number of moves
// soft-deleted because no other study owned them. Unincluded studies are left as is.
func (service *Service) Uninclude(ctx context.Context, userID UserID, studyID StudyID) (int, error) {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opUninclude, userID, studyID)
	if err != nil {
		return 0, err
	}
	state, err := service.studyState(opUninclude, study)
	if err != nil {
		return 0, err
	}
	if !state.IsIncluded() {
		return 0, nil
	}

	numOrphans := 0
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		moves, err := ownedMoves(transaction, study.ID)
		if err != nil {
			return err
		}
		orphans, err := detachStudyMoves(transaction, study.ID, moveIDs(moves))
		if err != nil {
			return err
		}
		// Dangling edges whose move row is gone.
		if err := transaction.Where(queryStudyID, study.ID).Delete(&MoveOwner{}).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryStudyID, study.ID).Delete(&PendingUpdate{}).Error; err != nil {
			return err
		}
		study.applyState(StudyStateAvailable)
		if err := transaction.Model(&Study{}).Where(queryStudyID, study.ID).Updates(map[string]interface{}{
			"included":          study.Included,
			"hidden":            study.Hidden,
			"removed_on_remote": study.RemovedOnRemote,
		}).Error; err != nil {
			return err
		}
		numOrphans = orphans
		return nil
	})
	if transactionError != nil {
		service.logError(opUninclude, reasonTransaction, transactionError,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldStudyID, study.ID))
		return 0, storageError(opUninclude, transactionError)
	}

	service.logger.Info("study unincluded",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldStudyID, study.ID),
		zap.Int("orphans", numOrphans))
	return numOrphans, nil
}

// Delete removes the study, unincluding it first when needed.
func (service *Service) Delete(ctx context.Context, userID UserID, studyID StudyID) error {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opDelete, userID, studyID)
	if err != nil {
		return err
	}
	state, err := service.studyState(opDelete, study)
	if err != nil {
		return err
	}
	if state.IsIncluded() {
		if _, err := service.Uninclude(ctx, userID, studyID); err != nil {
			return err
		}
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return hardDeleteStudy(transaction, study.ID)
	})
	if transactionError != nil {
		service.logError(opDelete, reasonTransaction, transactionError,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldStudyID, study.ID))
		return storageError(opDelete, transactionError)
	}
	return nil
}

// SetHidden toggles whether remote changes of an unincluded study are ignored.
func (service *Service) SetHidden(ctx context.Context, userID UserID, studyID StudyID, hidden bool) error {
	study, err := service.loadOwnedStudy(service.db.WithContext(ctx), opSetHidden, userID, studyID)
	if err != nil {
		return err
	}
	state, err := service.studyState(opSetHidden, study)
	if err != nil {
		return err
	}
	if state.IsIncluded() {
		return newServiceError(opSetHidden, "study_included",
			fmt.Errorf("%w: study %s is included", ErrPrecondition, studyID))
	}

	target := StudyStateAvailable
	if hidden {
		target = StudyStateHidden
	}
	if target == state {
		return nil
	}
	study.applyState(target)
	if err := service.db.WithContext(ctx).Model(&Study{}).
		Where(queryStudyID, study.ID).
		Update("hidden", study.Hidden).Error; err != nil {
		service.logError(opSetHidden, reasonQueryFailed, err, zap.String(fieldStudyID, study.ID))
		return storageError(opSetHidden, err)
	}
	return nil
}

// hardDeleteStudy must only be called for studies that own no edges.
func hardDeleteStudy(transaction *gorm.DB, studyID string) error {
	if err := transaction.Where(queryStudyID, studyID).Delete(&PendingUpdate{}).Error; err != nil {
		return err
	}
	return transaction.Where(queryStudyID, studyID).Delete(&Study{}).Error
}
