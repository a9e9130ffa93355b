package studies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileResult summarizes one synchronization pass.
type ReconcileResult struct {
	NumNew           int
	NumUpdatesStaged int
	NumUpdated       int
	NumRenamed       int
	NumRemoved       int
	NumRestored      int
	Failures         []StudyFailure
	ChangedStudyIDs  []string
}

// StudyFailure records a per-study error that did not abort the pass.
type StudyFailure struct {
	RemoteID string
	StudyID  string
	Err      error
}

type studyRename struct {
	studyID string
	name    string
}

type contentChange struct {
	study  Study
	remote RemoteStudy
}

type reconciliationPlan struct {
	additions     []RemoteStudy
	renames       []studyRename
	restores      []string
	removals      []string
	deletions     []string
	stagedUpdates []contentChange
	directUpdates []contentChange
	invalid       []StudyFailure
}

// planReconciliation decides every action of a pass without touching storage or the network.
func planReconciliation(local []Study, remote []RemoteStudy, pending map[string]PendingUpdate) reconciliationPlan {
	plan := reconciliationPlan{}

	localByRemoteID := make(map[string]Study, len(local))
	for _, study := range local {
		localByRemoteID[study.RemoteID] = study
	}
	remoteIDs := make(map[string]struct{}, len(remote))

	for _, remoteStudy := range remote {
		if _, seen := remoteIDs[remoteStudy.RemoteID]; seen {
			continue
		}
		remoteIDs[remoteStudy.RemoteID] = struct{}{}

		study, ok := localByRemoteID[remoteStudy.RemoteID]
		if !ok {
			plan.additions = append(plan.additions, remoteStudy)
			continue
		}

		state, err := study.State()
		if err != nil {
			plan.invalid = append(plan.invalid, StudyFailure{RemoteID: study.RemoteID, StudyID: study.ID, Err: err})
			continue
		}
		if state == StudyStateRemovedOnRemote {
			plan.restores = append(plan.restores, study.ID)
			state = StudyStateIncluded
		}
		if study.Name != remoteStudy.Name {
			plan.renames = append(plan.renames, studyRename{studyID: study.ID, name: remoteStudy.Name})
		}

		var pendingUpdate *PendingUpdate
		if staged, ok := pending[study.ID]; ok {
			pendingUpdate = &staged
		}
		if !hasNewerRemoteVersion(study, remoteStudy, pendingUpdate) {
			continue
		}
		switch state {
		case StudyStateIncluded:
			plan.stagedUpdates = append(plan.stagedUpdates, contentChange{study: study, remote: remoteStudy})
		case StudyStateAvailable:
			plan.directUpdates = append(plan.directUpdates, contentChange{study: study, remote: remoteStudy})
		}
	}

	for _, study := range local {
		if _, ok := remoteIDs[study.RemoteID]; ok {
			continue
		}
		state, err := study.State()
		if err != nil {
			plan.invalid = append(plan.invalid, StudyFailure{RemoteID: study.RemoteID, StudyID: study.ID, Err: err})
			continue
		}
		switch state {
		case StudyStateIncluded:
			plan.removals = append(plan.removals, study.ID)
		case StudyStateRemovedOnRemote:
			// already flagged
		default:
			plan.deletions = append(plan.deletions, study.ID)
		}
	}

	return plan
}

// hasNewerRemoteVersion also guards against remotes that do not bump the modification
// time: a pending update at least as fresh as the remote suppresses a refetch.
func hasNewerRemoteVersion(study Study, remote RemoteStudy, pending *PendingUpdate) bool {
	remoteModified := unixMillis(remote.LastModified)
	if study.LastFetched >= remoteModified {
		return false
	}
	if pending != nil && pending.LastModifiedOnRemote >= remoteModified {
		return false
	}
	return true
}

// Reconcile synchronizes the user's local studies with the remote source.
// Counts are only meaningful when the returned error is nil.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (ReconcileResult, error) {
	remote, err := service.source.FetchStudies(ctx, userID)
	if err != nil {
		service.logError(opReconcile, reasonFetchFailed, err, zap.String(fieldUserID, userID.String()))
		return ReconcileResult{}, newServiceError(opReconcile, reasonFetchFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}

	database := service.db.WithContext(ctx)
	var local []Study
	if err := database.Where(queryUserID, userID.String()).Find(&local).Error; err != nil {
		service.logError(opReconcile, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return ReconcileResult{}, newServiceError(opReconcile, reasonQueryFailed, err)
	}
	var pendingUpdates []PendingUpdate
	if err := database.Where(queryUserID, userID.String()).Find(&pendingUpdates).Error; err != nil {
		service.logError(opReconcile, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return ReconcileResult{}, newServiceError(opReconcile, reasonQueryFailed, err)
	}
	pendingByStudy := make(map[string]PendingUpdate, len(pendingUpdates))
	for _, pending := range pendingUpdates {
		pendingByStudy[pending.StudyID] = pending
	}

	plan := planReconciliation(local, remote, pendingByStudy)
	result := ReconcileResult{Failures: append([]StudyFailure(nil), plan.invalid...)}
	for _, failure := range plan.invalid {
		service.logError(opReconcile, reasonInvalidState, failure.Err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldStudyID, failure.StudyID))
	}

	inserts, insertFailures := service.fetchNewStudies(ctx, userID, plan.additions)
	result.Failures = append(result.Failures, insertFailures...)

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return applyStructuralChanges(transaction, plan, inserts)
	})
	if transactionError != nil {
		service.logError(opReconcile, reasonTransaction, transactionError, zap.String(fieldUserID, userID.String()))
		return ReconcileResult{}, storageError(opReconcile, transactionError)
	}

	result.NumNew = len(inserts)
	result.NumRenamed = len(plan.renames)
	result.NumRemoved = len(plan.removals) + len(plan.deletions)
	result.NumRestored = len(plan.restores)
	for _, study := range inserts {
		result.ChangedStudyIDs = append(result.ChangedStudyIDs, study.ID)
	}
	for _, rename := range plan.renames {
		result.ChangedStudyIDs = append(result.ChangedStudyIDs, rename.studyID)
	}
	result.ChangedStudyIDs = append(result.ChangedStudyIDs, plan.restores...)
	result.ChangedStudyIDs = append(result.ChangedStudyIDs, plan.removals...)
	result.ChangedStudyIDs = append(result.ChangedStudyIDs, plan.deletions...)

	service.applyContentChanges(ctx, userID, plan, &result)

	if err := service.recordChecked(ctx, userID); err != nil {
		service.logError(opReconcile, "checkpoint_failed", err, zap.String(fieldUserID, userID.String()))
		return ReconcileResult{}, storageError(opReconcile, err)
	}

	service.logger.Info("studies reconciled",
		zap.String(fieldUserID, userID.String()),
		zap.Int("new", result.NumNew),
		zap.Int("updates_staged", result.NumUpdatesStaged),
		zap.Int("updated", result.NumUpdated),
		zap.Int("renamed", result.NumRenamed),
		zap.Int("removed", result.NumRemoved),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}

func applyStructuralChanges(transaction *gorm.DB, plan reconciliationPlan, inserts []Study) error {
	if len(inserts) > 0 {
		if err := transaction.Create(&inserts).Error; err != nil {
			return err
		}
	}
	for _, rename := range plan.renames {
		if err := transaction.Model(&Study{}).Where(queryStudyID, rename.studyID).Update("name", rename.name).Error; err != nil {
			return err
		}
	}
	for _, chunk := range chunkStrings(plan.restores) {
		if err := transaction.Model(&Study{}).Where("study_id IN ?", chunk).Update("removed_on_remote", false).Error; err != nil {
			return err
		}
	}
	for _, chunk := range chunkStrings(plan.removals) {
		if err := transaction.Model(&Study{}).Where("study_id IN ?", chunk).Update("removed_on_remote", true).Error; err != nil {
			return err
		}
	}
	for _, studyID := range plan.deletions {
		if err := hardDeleteStudy(transaction, studyID); err != nil {
			return err
		}
	}
	return nil
}

// fetchNewStudies downloads content for studies first seen on the remote.
// Failed downloads are skipped and retried on the next pass.
func (service *Service) fetchNewStudies(ctx context.Context, userID UserID, additions []RemoteStudy) ([]Study, []StudyFailure) {
	var (
		mutex    sync.Mutex
		inserts  = make([]Study, 0, len(additions))
		failures []StudyFailure
		group    errgroup.Group
	)
	group.SetLimit(service.fetchConcurrency)

	for _, remoteStudy := range additions {
		group.Go(func() error {
			study, err := service.buildNewStudy(ctx, userID, remoteStudy)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				service.logger.Warn("new study fetch failed",
					zap.String(fieldUserID, userID.String()),
					zap.String(fieldRemoteID, remoteStudy.RemoteID),
					zap.Error(err))
				failures = append(failures, StudyFailure{RemoteID: remoteStudy.RemoteID, Err: err})
				return nil
			}
			inserts = append(inserts, study)
			return nil
		})
	}
	_ = group.Wait()
	return inserts, failures
}

func (service *Service) buildNewStudy(ctx context.Context, userID UserID, remoteStudy RemoteStudy) (Study, error) {
	content, err := service.source.FetchStudyContent(ctx, userID, remoteStudy.RemoteID)
	if err != nil {
		return Study{}, newServiceError(opReconcile, reasonFetchFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}
	studyID, err := service.idProvider.NewID()
	if err != nil {
		return Study{}, newServiceError(opReconcile, "id_generation_failed", err)
	}
	modified := latestMillis(content.LastModified, remoteStudy.LastModified)
	study := Study{
		ID:                   studyID,
		UserID:               userID.String(),
		RemoteID:             remoteStudy.RemoteID,
		Name:                 remoteStudy.Name,
		LastModifiedOnRemote: modified,
		LastFetched:          maxInt64(service.nowMillis(), modified),
		Content:              content.Content,
		GuessedSide:          service.parser.GuessSide(content.Content).String(),
		PreviewFEN:           service.parser.PreviewPosition(content.Content),
	}
	study.applyState(StudyStateAvailable)
	return study, nil
}

// applyContentChanges fetches and stores changed content; each study commits on its own.
func (service *Service) applyContentChanges(ctx context.Context, userID UserID, plan reconciliationPlan, result *ReconcileResult) {
	var (
		mutex sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(service.fetchConcurrency)

	record := func(change contentChange, staged bool, err error) {
		mutex.Lock()
		defer mutex.Unlock()
		if err != nil {
			service.logger.Warn("study content update failed",
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldStudyID, change.study.ID),
				zap.Error(err))
			result.Failures = append(result.Failures, StudyFailure{RemoteID: change.study.RemoteID, StudyID: change.study.ID, Err: err})
			return
		}
		if staged {
			result.NumUpdatesStaged++
		} else {
			result.NumUpdated++
		}
		result.ChangedStudyIDs = append(result.ChangedStudyIDs, change.study.ID)
	}

	for _, change := range plan.stagedUpdates {
		group.Go(func() error {
			_, err := service.stageUpdate(ctx, opReconcile, userID, change.study, change.remote.LastModified)
			record(change, true, err)
			return nil
		})
	}
	for _, change := range plan.directUpdates {
		group.Go(func() error {
			err := service.refreshStudy(ctx, userID, change.study, change.remote.LastModified)
			record(change, false, err)
			return nil
		})
	}
	_ = group.Wait()
}

// refreshStudy overwrites an unincluded study's content; it owns no graph edges.
func (service *Service) refreshStudy(ctx context.Context, userID UserID, study Study, remoteModified time.Time) error {
	content, err := service.source.FetchStudyContent(ctx, userID, study.RemoteID)
	if err != nil {
		return newServiceError(opReconcile, reasonFetchFailed, fmt.Errorf("%w: %v", ErrRemoteFetch, err))
	}
	modified := latestMillis(content.LastModified, remoteModified)
	updates := map[string]interface{}{
		"content":                content.Content,
		"last_modified_remote_ms": modified,
		"last_fetched_ms":         maxInt64(service.nowMillis(), modified),
		"guessed_side":           service.parser.GuessSide(content.Content).String(),
		"preview_fen":            service.parser.PreviewPosition(content.Content),
	}
	if err := service.db.WithContext(ctx).Model(&Study{}).
		Where("study_id = ? AND included = ?", study.ID, false).
		Updates(updates).Error; err != nil {
		return storageError(opReconcile, err)
	}
	return nil
}

func (service *Service) recordChecked(ctx context.Context, userID UserID) error {
	checkpoint := SyncCheckpoint{UserID: userID.String(), LastCheckedSeconds: service.clock().UTC().Unix()}
	return service.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_checked_s"}),
	}).Create(&checkpoint).Error
}

func latestMillis(values ...time.Time) int64 {
	latest := int64(0)
	for _, value := range values {
		latest = maxInt64(latest, unixMillis(value))
	}
	return latest
}

func maxInt64(left, right int64) int64 {
	if left > right {
		return left
	}
	return right
}
