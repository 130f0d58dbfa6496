package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/evenlight/tandem/backend/internal/auth"
	"github.com/evenlight/tandem/backend/internal/reading"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "tandem_user_id"

var (
	errMissingSessionVerifier = errors.New("session verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingUserResolver    = errors.New("user resolver dependency required")
	errMissingReadingService  = errors.New("reading service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// SessionVerifier validates tokens minted by the identity provider.
type SessionVerifier interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// BackendTokenManager issues and validates this service's own access tokens.
type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// UserResolver maps identity provider claims onto canonical user ids.
type UserResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionVerifier SessionVerifier
	TokenManager    BackendTokenManager
	Users           UserResolver
	ReadingService  *reading.Service
	Dispatcher      *RealtimeDispatcher
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionVerifier == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.ReadingService == nil {
		return nil, errMissingReadingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.SessionVerifier,
		tokens:     deps.TokenManager,
		users:      deps.Users,
		sessions:   deps.ReadingService,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/exchange", handler.handleAuthExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/sessions", handler.handleListSessions)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.POST("/sessions/:id/role", handler.handleSelectRole)
	protected.POST("/sessions/:id/ready", handler.handleToggleReady)
	protected.POST("/sessions/:id/solo", handler.handleContinueSolo)
	protected.POST("/sessions/:id/advance", handler.handleAdvanceStep)
	protected.POST("/sessions/:id/reflections", handler.handleSubmitReflection)
	protected.GET("/sessions/:id/reflections", handler.handleListReflections)
	protected.POST("/sessions/:id/bookmarks/toggle", handler.handleToggleBookmark)
	protected.GET("/sessions/:id/bookmarks", handler.handleListBookmarks)
	protected.PATCH("/sessions/:id/bookmarks/sharing", handler.handleBookmarkSharing)
	protected.POST("/sessions/:id/message", handler.handleSendMessage)
	protected.GET("/sessions/:id/messages", handler.handleListMessages)
	protected.GET("/sessions/:id/report", handler.handleReport)
	protected.POST("/sessions/:id/complete", handler.handleCompleteSession)
	protected.POST("/sessions/:id/abandon", handler.handleAbandonSession)
	protected.GET("/stats", handler.handleStats)

	// The stream authenticates from a query parameter because browser
	// WebSocket clients cannot set an Authorization header.
	router.GET("/sessions/:id/stream", handler.handleSessionStream)

	return router, nil
}

type httpHandler struct {
	verifier   SessionVerifier
	tokens     BackendTokenManager
	users      UserResolver
	sessions   *reading.Service
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

type exchangeRequestPayload struct {
	SessionToken string `json:"session_token"`
}

type exchangeResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleAuthExchange(c *gin.Context) {
	var request exchangeRequestPayload
	_ = c.ShouldBindJSON(&request)

	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(request.SessionToken); token != "" {
		claims, err = h.verifier.ValidateToken(token)
	} else {
		claims, err = h.verifier.ValidateRequest(c.Request)
	}
	if err != nil {
		h.logger.Warn("session token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Error("failed to resolve canonical user id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, exchangeResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine client churn, not something an operator
		// needs to chase.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// caller extracts the authenticated user id; an empty id aborts with 401.
func (h *httpHandler) caller(c *gin.Context) (reading.UserID, bool) {
	userID, err := reading.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) sessionID(c *gin.Context) (reading.SessionID, bool) {
	sessionID, err := reading.NewSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return "", false
	}
	return sessionID, true
}

// publishOutcome fans the mutation's events out to stream subscribers.
func (h *httpHandler) publishOutcome(outcome reading.Outcome) {
	for _, event := range outcome.Events {
		h.dispatcher.Publish(RealtimeMessage{
			SessionID: outcome.Snapshot.SessionID,
			EventType: event,
			Snapshot:  outcome.Snapshot,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reading.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
	case errors.Is(err, reading.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, reading.ErrInvalidPhase):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_phase"})
	case errors.Is(err, reading.ErrRoleTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "role_taken"})
	case errors.Is(err, reading.ErrInvalidMode),
		errors.Is(err, reading.ErrInvalidRole),
		errors.Is(err, reading.ErrInvalidRating),
		errors.Is(err, reading.ErrInvalidStepIndex),
		errors.Is(err, reading.ErrInvalidNotes),
		errors.Is(err, reading.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("session command failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type createSessionPayload struct {
	Mode string `json:"mode"`
}

type outcomeResponsePayload struct {
	Session reading.SessionSnapshot `json:"session"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mode, err := reading.ParseMode(request.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}

	outcome, err := h.sessions.CreateSession(c.Request.Context(), caller, mode)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcomeResponsePayload{Session: outcome.Snapshot})
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessions, err := h.sessions.ListSessions(c.Request.Context(), caller)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	outcome, err := h.sessions.GetSnapshot(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

type selectRolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleSelectRole(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request selectRolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := reading.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	outcome, err := h.sessions.SelectRole(c.Request.Context(), caller, sessionID, role)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

type toggleReadyPayload struct {
	IsReady bool `json:"is_ready"`
}

func (h *httpHandler) handleToggleReady(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request toggleReadyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.sessions.ToggleReady(c.Request.Context(), caller, sessionID, request.IsReady)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

func (h *httpHandler) handleContinueSolo(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	outcome, err := h.sessions.ContinueSolo(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

type advanceStepPayload struct {
	FromStepIndex int `json:"from_step_index"`
}

func (h *httpHandler) handleAdvanceStep(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request advanceStepPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.sessions.AdvanceStep(c.Request.Context(), caller, sessionID, request.FromStepIndex)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

type reflectionPayload struct {
	StepIndex int    `json:"step_index"`
	Rating    int    `json:"rating"`
	Notes     string `json:"notes"`
	IsShared  bool   `json:"is_shared"`
}

type reflectionResponsePayload struct {
	Reflection reading.Reflection      `json:"reflection"`
	Session    reading.SessionSnapshot `json:"session"`
}

func (h *httpHandler) handleSubmitReflection(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request reflectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rating, err := reading.NewRating(request.Rating)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rating"})
		return
	}

	reflection, outcome, err := h.sessions.SubmitReflection(c.Request.Context(), caller, sessionID, reading.ReflectionInput{
		StepIndex: request.StepIndex,
		Rating:    rating,
		Notes:     request.Notes,
		IsShared:  request.IsShared,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, reflectionResponsePayload{Reflection: reflection, Session: outcome.Snapshot})
}

func (h *httpHandler) handleListReflections(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	reflections, err := h.sessions.ListReflections(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflections": reflections})
}

type bookmarkTogglePayload struct {
	StepIndex        int  `json:"step_index"`
	ShareWithPartner bool `json:"share_with_partner"`
}

type bookmarkToggleResponsePayload struct {
	Added    bool                    `json:"added"`
	Bookmark *reading.Bookmark       `json:"bookmark"`
	Session  reading.SessionSnapshot `json:"session"`
}

func (h *httpHandler) handleToggleBookmark(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request bookmarkTogglePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	toggle, outcome, err := h.sessions.ToggleBookmark(c.Request.Context(), caller, sessionID, request.StepIndex, request.ShareWithPartner)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, bookmarkToggleResponsePayload{
		Added:    toggle.Added,
		Bookmark: toggle.Bookmark,
		Session:  outcome.Snapshot,
	})
}

func (h *httpHandler) handleListBookmarks(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	bookmarks, err := h.sessions.ListBookmarks(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookmarks": bookmarks})
}

type bookmarkSharingPayload struct {
	ShareWithPartner bool `json:"share_with_partner"`
}

func (h *httpHandler) handleBookmarkSharing(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request bookmarkSharingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.sessions.UpdateBookmarkSharing(c.Request.Context(), caller, sessionID, request.ShareWithPartner); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"share_with_partner": request.ShareWithPartner})
}

type sendMessagePayload struct {
	Body string `json:"body"`
}

type messageResponsePayload struct {
	Message reading.Message         `json:"message"`
	Session reading.SessionSnapshot `json:"session"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, outcome, err := h.sessions.SendMessage(c.Request.Context(), caller, sessionID, request.Body)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, messageResponsePayload{Message: message, Session: outcome.Snapshot})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	messages, err := h.sessions.ListMessages(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleReport(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	report, err := h.sessions.Report(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleCompleteSession(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	outcome, err := h.sessions.CompleteSession(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

func (h *httpHandler) handleAbandonSession(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	outcome, err := h.sessions.AbandonSession(c.Request.Context(), caller, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, outcomeResponsePayload{Session: outcome.Snapshot})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	stats, err := h.sessions.Stats(c.Request.Context(), caller)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
