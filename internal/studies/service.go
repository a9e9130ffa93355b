package studies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnauthorized indicates that the acting user does not own the study.
	ErrUnauthorized = errors.New("studies: study belongs to another user")
	// ErrNotFound indicates that a referenced study or user record does not exist.
	ErrNotFound = errors.New("studies: not found")
	// ErrPrecondition indicates that the study is in the wrong state for the operation.
	ErrPrecondition = errors.New("studies: precondition violated")
	// ErrStorage indicates that an atomic batch failed to commit.
	ErrStorage = errors.New("studies: storage transaction failed")
	// ErrRemoteFetch indicates that the remote source or parser failed.
	ErrRemoteFetch = errors.New("studies: remote fetch failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingSource     = errors.New("remote source is required")
	errMissingParser     = errors.New("parser is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "studies.service.new"
	opReconcile           = "studies.reconcile"
	opInclude             = "studies.include"
	opUninclude           = "studies.uninclude"
	opDelete              = "studies.delete"
	opFetchUpdate         = "studies.fetch_update"
	opApplyUpdate         = "studies.apply_update"
	opDismissUpdate       = "studies.dismiss_update"
	opSetHidden           = "studies.set_hidden"
	opGetStudy            = "studies.get_study"
	opListStudies         = "studies.list_studies"
	opListMoves           = "studies.list_moves"
	opGetPendingUpdate    = "studies.get_pending_update"
	opLastChecked         = "studies.last_checked"
	fieldUserID           = "user_id"
	fieldStudyID          = "study_id"
	fieldRemoteID         = "remote_id"
	queryUserID           = "user_id = ?"
	queryStudyID          = "study_id = ?"
	queryMoveIDIn         = "move_id IN ?"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonNotFound        = "not_found"
	reasonForbidden       = "forbidden"
	reasonInvalidState    = "invalid_state"
	reasonTransaction     = "transaction_failed"
	reasonFetchFailed     = "fetch_failed"
	reasonParseFailed     = "parse_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Source supplies remote study metadata and content.
type Source interface {
	FetchStudies(ctx context.Context, userID UserID) ([]RemoteStudy, error)
	FetchStudyContent(ctx context.Context, userID UserID, remoteID string) (StudyContent, error)
}

// Parser turns study content into move records and derived metadata.
type Parser interface {
	ParseMoves(content string, side Side, variantOnly bool) ([]MoveRecord, error)
	GuessSide(content string) Side
	PreviewPosition(content string) string
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the study service.
type ServiceConfig struct {
	Database         *gorm.DB
	Source           Source
	Parser           Parser
	IDProvider       IDProvider
	Clock            func() time.Time
	Logger           *zap.Logger
	FetchConcurrency int
}

// Service reconciles remote studies and maintains the repertoire graph.
type Service struct {
	db               *gorm.DB
	source           Source
	parser           Parser
	idProvider       IDProvider
	clock            func() time.Time
	logger           *zap.Logger
	fetchConcurrency int
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Source == nil {
		return nil, newServiceError(opServiceNew, "missing_source", errMissingSource)
	}
	if cfg.Parser == nil {
		return nil, newServiceError(opServiceNew, "missing_parser", errMissingParser)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Service{
		db:               cfg.Database,
		source:           cfg.Source,
		parser:           cfg.Parser,
		idProvider:       cfg.IDProvider,
		clock:            clock,
		logger:           logger,
		fetchConcurrency: concurrency,
	}, nil
}

// GetStudy returns the study after checking ownership.
func (service *Service) GetStudy(ctx context.Context, userID UserID, studyID StudyID) (Study, error) {
	return service.loadOwnedStudy(service.db.WithContext(ctx), opGetStudy, userID, studyID)
}

// ListStudies returns every local study of the user ordered by name.
func (service *Service) ListStudies(ctx context.Context, userID UserID) ([]Study, error) {
	var studies []Study
	if err := service.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Order("name ASC").
		Find(&studies).Error; err != nil {
		service.logError(opListStudies, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListStudies, reasonQueryFailed, err)
	}
	return studies, nil
}

// ListRepertoireMoves returns the live moves of the user's repertoire for one side.
func (service *Service) ListRepertoireMoves(ctx context.Context, userID UserID, side Side) ([]Move, error) {
	var moves []Move
	if err := service.db.WithContext(ctx).
		Where("user_id = ? AND side = ? AND deleted = ?", userID.String(), side.String(), false).
		Order("origin_fen ASC, destination_fen ASC").
		Find(&moves).Error; err != nil {
		service.logError(opListMoves, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListMoves, reasonQueryFailed, err)
	}
	return moves, nil
}

// GetPendingUpdate returns the staged update of an owned study.
func (service *Service) GetPendingUpdate(ctx context.Context, userID UserID, studyID StudyID) (PendingUpdate, error) {
	database := service.db.WithContext(ctx)
	if _, err := service.loadOwnedStudy(database, opGetPendingUpdate, userID, studyID); err != nil {
		return PendingUpdate{}, err
	}
	pending, err := loadPendingUpdate(database, studyID.String())
	if err != nil {
		service.logError(opGetPendingUpdate, reasonQueryFailed, err, zap.String(fieldStudyID, studyID.String()))
		return PendingUpdate{}, newServiceError(opGetPendingUpdate, reasonQueryFailed, err)
	}
	if pending == nil {
		return PendingUpdate{}, newServiceError(opGetPendingUpdate, reasonNotFound,
			fmt.Errorf("%w: no pending update for study %s", ErrNotFound, studyID))
	}
	return *pending, nil
}

// LastChecked returns when the user's studies were last reconciled, or the zero time.
func (service *Service) LastChecked(ctx context.Context, userID UserID) (time.Time, error) {
	var checkpoint SyncCheckpoint
	err := service.db.WithContext(ctx).Where(queryUserID, userID.String()).Take(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		service.logError(opLastChecked, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return time.Time{}, newServiceError(opLastChecked, reasonQueryFailed, err)
	}
	return time.Unix(checkpoint.LastCheckedSeconds, 0).UTC(), nil
}

// loadOwnedStudy enforces NotFound before Authorization.
func (service *Service) loadOwnedStudy(database *gorm.DB, operation string, userID UserID, studyID StudyID) (Study, error) {
	var study Study
	err := database.Where(queryStudyID, studyID.String()).Take(&study).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Study{}, newServiceError(operation, reasonNotFound,
			fmt.Errorf("%w: study %s", ErrNotFound, studyID))
	}
	if err != nil {
		service.logError(operation, reasonQueryFailed, err, zap.String(fieldStudyID, studyID.String()))
		return Study{}, newServiceError(operation, reasonQueryFailed, err)
	}
	if study.UserID != userID.String() {
		service.logger.Warn("study access denied",
			zap.String("operation", operation),
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldStudyID, studyID.String()))
		return Study{}, newServiceError(operation, reasonForbidden,
			fmt.Errorf("%w: study %s", ErrUnauthorized, studyID))
	}
	return study, nil
}

func (service *Service) studyState(operation string, study Study) (StudyState, error) {
	state, err := study.State()
	if err != nil {
		service.logError(operation, reasonInvalidState, err, zap.String(fieldStudyID, study.ID))
		return 0, newServiceError(operation, reasonInvalidState, err)
	}
	return state, nil
}

func (service *Service) nowMillis() int64 {
	return service.clock().UTC().UnixMilli()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("studies service error", attrs...)
}

func storageError(operation string, cause error) error {
	var serviceErr *ServiceError
	if errors.As(cause, &serviceErr) {
		return cause
	}
	return newServiceError(operation, reasonTransaction, fmt.Errorf("%w: %v", ErrStorage, cause))
}
