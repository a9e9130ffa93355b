package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/users"
)

const userIDContextKey = "repertoire_user_id"

var (
	errMissingValidator      = errors.New("session validator dependency required")
	errMissingStudiesService = errors.New("studies service dependency required")
	errMissingAccountService = errors.New("account service dependency required")
	errMissingSyncRunner     = errors.New("sync runner dependency required")
)

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// StudiesService is the study and repertoire surface exposed over HTTP.
type StudiesService interface {
	ListStudies(ctx context.Context, userID studies.UserID) ([]studies.Study, error)
	GetStudy(ctx context.Context, userID studies.UserID, studyID studies.StudyID) (studies.Study, error)
	Include(ctx context.Context, userID studies.UserID, studyID studies.StudyID, side studies.Side, variantOnly bool) error
	Uninclude(ctx context.Context, userID studies.UserID, studyID studies.StudyID) (int, error)
	Delete(ctx context.Context, userID studies.UserID, studyID studies.StudyID) error
	SetHidden(ctx context.Context, userID studies.UserID, studyID studies.StudyID, hidden bool) error
	GetPendingUpdate(ctx context.Context, userID studies.UserID, studyID studies.StudyID) (studies.PendingUpdate, error)
	FetchStudyUpdate(ctx context.Context, userID studies.UserID, studyID studies.StudyID) (studies.PendingUpdate, error)
	ApplyPendingUpdate(ctx context.Context, userID studies.UserID, studyID studies.StudyID) (studies.ApplyResult, error)
	DismissPendingUpdate(ctx context.Context, userID studies.UserID, studyID studies.StudyID) error
	ListRepertoireMoves(ctx context.Context, userID studies.UserID, side studies.Side) ([]studies.Move, error)
}

// AccountService links users to their lichess accounts.
type AccountService interface {
	LinkAccount(ctx context.Context, userID studies.UserID, username string, token string) (users.Account, error)
	Account(ctx context.Context, userID studies.UserID) (users.Account, error)
}

// SyncRunner runs a locked reconciliation pass for one user.
type SyncRunner interface {
	SyncUser(ctx context.Context, userID studies.UserID, force bool) (scheduler.SyncOutcome, error)
}

// Dependencies bundles the HTTP handler collaborators.
type Dependencies struct {
	Validator SessionValidator
	Studies   StudiesService
	Accounts  AccountService
	Sync      SyncRunner
	Realtime  *RealtimeDispatcher
	Logger    *zap.Logger
}

// NewHTTPHandler wires the API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Studies == nil {
		return nil, errMissingStudiesService
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountService
	}
	if deps.Sync == nil {
		return nil, errMissingSyncRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator: deps.Validator,
		studies:   deps.Studies,
		accounts:  deps.Accounts,
		sync:      deps.Sync,
		realtime:  realtime,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/account", handler.handleGetAccount)
	protected.PUT("/account", handler.handleLinkAccount)
	protected.GET("/studies", handler.handleListStudies)
	protected.POST("/studies/sync", handler.handleSync)
	protected.GET("/studies/:id", handler.handleGetStudy)
	protected.DELETE("/studies/:id", handler.handleDeleteStudy)
	protected.POST("/studies/:id/include", handler.handleInclude)
	protected.POST("/studies/:id/exclude", handler.handleExclude)
	protected.POST("/studies/:id/hidden", handler.handleSetHidden)
	protected.GET("/studies/:id/update", handler.handleGetPendingUpdate)
	protected.POST("/studies/:id/update", handler.handleFetchUpdate)
	protected.DELETE("/studies/:id/update", handler.handleDismissUpdate)
	protected.POST("/studies/:id/update/apply", handler.handleApplyUpdate)
	protected.GET("/repertoire/moves", handler.handleListMoves)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	validator SessionValidator
	studies   StudiesService
	accounts  AccountService
	sync      SyncRunner
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zap.InfoLevel
		}
		if entry := h.logger.Check(level, "token validation failed"); entry != nil {
			entry.Write(zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := studies.NewUserID(claims.UserID)
	if err != nil {
		h.logger.Warn("token carried invalid user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUser(c *gin.Context) studies.UserID {
	value, _ := c.Get(userIDContextKey)
	userID, _ := value.(studies.UserID)
	return userID
}

// studyParam aborts with 400 when the path id is malformed.
func studyParam(c *gin.Context) (studies.StudyID, bool) {
	studyID, err := studies.NewStudyID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_study_id"})
		return "", false
	}
	return studyID, true
}
