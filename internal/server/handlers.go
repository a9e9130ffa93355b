package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/users"
)

type accountRequestPayload struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type accountResponsePayload struct {
	Username string `json:"username"`
	HasToken bool   `json:"has_token"`
	LinkedAt int64  `json:"linked_at_s"`
}

type studyPayload struct {
	StudyID              string `json:"study_id"`
	RemoteID             string `json:"remote_id"`
	Name                 string `json:"name"`
	State                string `json:"state"`
	Side                 string `json:"side,omitempty"`
	GuessedSide          string `json:"guessed_side"`
	VariantOnly          bool   `json:"variant_only"`
	PreviewFEN           string `json:"preview_fen"`
	LastModifiedOnRemote int64  `json:"last_modified_remote_ms"`
	LastFetched          int64  `json:"last_fetched_ms"`
	Content              string `json:"content,omitempty"`
}

type includeRequestPayload struct {
	Side        string `json:"side"`
	VariantOnly bool   `json:"variant_only"`
}

type hiddenRequestPayload struct {
	Hidden *bool `json:"hidden"`
}

type pendingUpdatePayload struct {
	StudyID              string `json:"study_id"`
	FetchedAt            int64  `json:"fetched_at_ms"`
	LastModifiedOnRemote int64  `json:"last_modified_remote_ms"`
	NumNewMoves          int    `json:"num_new_moves"`
	NumRemovedMoves      int    `json:"num_removed_moves"`
	NumNewOwnMoves       int    `json:"num_new_own_moves"`
	NumRemovedOwnMoves   int    `json:"num_removed_own_moves"`
}

type syncResponsePayload struct {
	Skipped          bool                 `json:"skipped"`
	NumNew           int                  `json:"num_new"`
	NumUpdatesStaged int                  `json:"num_updates_staged"`
	NumUpdated       int                  `json:"num_updated"`
	NumRenamed       int                  `json:"num_renamed"`
	NumRemoved       int                  `json:"num_removed"`
	NumRestored      int                  `json:"num_restored"`
	Failures         []syncFailurePayload `json:"failures"`
}

type syncFailurePayload struct {
	RemoteID string `json:"remote_id"`
	StudyID  string `json:"study_id,omitempty"`
	Error    string `json:"error"`
}

type movePayload struct {
	MoveID      string `json:"move_id"`
	Side        string `json:"side"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	OwnMove     bool   `json:"own_move"`
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	account, err := h.accounts.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) handleLinkAccount(c *gin.Context) {
	var request accountRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.accounts.LinkAccount(c.Request.Context(), currentUser(c), request.Username, request.Token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

func (h *httpHandler) handleListStudies(c *gin.Context) {
	list, err := h.studies.ListStudies(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]studyPayload, 0, len(list))
	for _, study := range list {
		payload = append(payload, newStudyPayload(study, false))
	}
	c.JSON(http.StatusOK, gin.H{"studies": payload})
}

func (h *httpHandler) handleGetStudy(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	study, err := h.studies.GetStudy(c.Request.Context(), currentUser(c), studyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStudyPayload(study, true))
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := currentUser(c)
	if _, err := h.accounts.Account(c.Request.Context(), userID); err != nil {
		h.respondError(c, err)
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	outcome, err := h.sync.SyncUser(c.Request.Context(), userID, force)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result := outcome.Result
	response := syncResponsePayload{
		Skipped:          outcome.Skipped,
		NumNew:           result.NumNew,
		NumUpdatesStaged: result.NumUpdatesStaged,
		NumUpdated:       result.NumUpdated,
		NumRenamed:       result.NumRenamed,
		NumRemoved:       result.NumRemoved,
		NumRestored:      result.NumRestored,
		Failures:         make([]syncFailurePayload, 0, len(result.Failures)),
	}
	for _, failure := range result.Failures {
		response.Failures = append(response.Failures, syncFailurePayload{
			RemoteID: failure.RemoteID,
			StudyID:  failure.StudyID,
			Error:    errorCode(failure.Err),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleInclude(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	var request includeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	side, err := studies.ParseSide(request.Side)
	if err != nil {
		h.respondError(c, err)
		return
	}
	userID := currentUser(c)
	if err := h.studies.Include(c.Request.Context(), userID, studyID, side, request.VariantOnly); err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventRepertoireChanged, studyID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExclude(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	userID := currentUser(c)
	orphans, err := h.studies.Uninclude(c.Request.Context(), userID, studyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventRepertoireChanged, studyID)
	c.JSON(http.StatusOK, gin.H{"num_orphans": orphans})
}

func (h *httpHandler) handleDeleteStudy(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	userID := currentUser(c)
	if err := h.studies.Delete(c.Request.Context(), userID, studyID); err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventRepertoireChanged, studyID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetHidden(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	var request hiddenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Hidden == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := currentUser(c)
	if err := h.studies.SetHidden(c.Request.Context(), userID, studyID, *request.Hidden); err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventStudiesChanged, studyID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetPendingUpdate(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	pending, err := h.studies.GetPendingUpdate(c.Request.Context(), currentUser(c), studyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPendingUpdatePayload(pending))
}

func (h *httpHandler) handleFetchUpdate(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	userID := currentUser(c)
	pending, err := h.studies.FetchStudyUpdate(c.Request.Context(), userID, studyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventStudiesChanged, studyID)
	c.JSON(http.StatusOK, newPendingUpdatePayload(pending))
}

func (h *httpHandler) handleDismissUpdate(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	userID := currentUser(c)
	if err := h.studies.DismissPendingUpdate(c.Request.Context(), userID, studyID); err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventStudiesChanged, studyID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleApplyUpdate(c *gin.Context) {
	studyID, ok := studyParam(c)
	if !ok {
		return
	}
	userID := currentUser(c)
	result, err := h.studies.ApplyPendingUpdate(c.Request.Context(), userID, studyID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(userID, RealtimeEventRepertoireChanged, studyID)
	c.JSON(http.StatusOK, gin.H{
		"num_added":   result.NumAdded,
		"num_removed": result.NumRemoved,
		"num_orphans": result.NumOrphans,
	})
}

func (h *httpHandler) handleListMoves(c *gin.Context) {
	side, err := studies.ParseSide(c.DefaultQuery("side", studies.SideWhite.String()))
	if err != nil {
		h.respondError(c, err)
		return
	}
	moves, err := h.studies.ListRepertoireMoves(c.Request.Context(), currentUser(c), side)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]movePayload, 0, len(moves))
	for _, move := range moves {
		payload = append(payload, movePayload{
			MoveID:      move.ID,
			Side:        move.Side,
			Origin:      move.Origin,
			Destination: move.Destination,
			OwnMove:     move.OwnMove,
		})
	}
	c.JSON(http.StatusOK, gin.H{"moves": payload})
}

func (h *httpHandler) publish(userID studies.UserID, eventType string, studyID studies.StudyID) {
	h.realtime.NotifyStudies(userID, eventType, []string{studyID.String()})
}

// respondError maps domain failures onto HTTP statuses; the body carries a stable code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorCode(err)})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, studies.ErrInvalidSide),
		errors.Is(err, studies.ErrInvalidStudyID),
		errors.Is(err, users.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, studies.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, studies.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, studies.ErrPrecondition),
		errors.Is(err, studies.ErrInvalidState),
		errors.Is(err, scheduler.ErrSyncInProgress),
		errors.Is(err, users.ErrAccountNotFound):
		return http.StatusConflict
	case errors.Is(err, studies.ErrRemoteFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var serviceErr *studies.ServiceError
	switch {
	case errors.As(err, &serviceErr):
		return serviceErr.Code()
	case errors.Is(err, studies.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, studies.ErrInvalidStudyID):
		return "invalid_study_id"
	case errors.Is(err, users.ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, users.ErrAccountNotFound):
		return "account_not_linked"
	case errors.Is(err, scheduler.ErrSyncInProgress):
		return "sync_in_progress"
	default:
		return "internal_error"
	}
}

func newAccountPayload(account users.Account) accountResponsePayload {
	return accountResponsePayload{
		Username: account.RemoteUsername,
		HasToken: account.RemoteToken != "",
		LinkedAt: account.LinkedAt.Unix(),
	}
}

func newStudyPayload(study studies.Study, withContent bool) studyPayload {
	state := "invalid"
	if derived, err := study.State(); err == nil {
		state = derived.String()
	}
	payload := studyPayload{
		StudyID:              study.ID,
		RemoteID:             study.RemoteID,
		Name:                 study.Name,
		State:                state,
		Side:                 study.Side,
		GuessedSide:          study.GuessedSide,
		VariantOnly:          study.VariantOnly,
		PreviewFEN:           study.PreviewFEN,
		LastModifiedOnRemote: study.LastModifiedOnRemote,
		LastFetched:          study.LastFetched,
	}
	if withContent {
		payload.Content = study.Content
	}
	return payload
}

func newPendingUpdatePayload(pending studies.PendingUpdate) pendingUpdatePayload {
	return pendingUpdatePayload{
		StudyID:              pending.StudyID,
		FetchedAt:            pending.FetchedAt,
		LastModifiedOnRemote: pending.LastModifiedOnRemote,
		NumNewMoves:          pending.NumNewMoves,
		NumRemovedMoves:      pending.NumRemovedMoves,
		NumNewOwnMoves:       pending.NumNewOwnMoves,
		NumRemovedOwnMoves:   pending.NumRemovedOwnMoves,
	}
}
