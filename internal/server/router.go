package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/notehive/collab-gateway/internal/auth"
	"github.com/notehive/collab-gateway/internal/collab"
	"go.uber.org/zap"
)

const userIDContextKey = "notehive_user_id"

var (
	errMissingGateway = errors.New("gateway dependency required")
	errMissingMetrics = errors.New("metrics dependency required")
)

type Dependencies struct {
	Gateway        *Gateway
	Sessions       CollaborationService
	Verifier       RequestVerifier
	Metrics        *Metrics
	Logger         *zap.Logger
	AllowedOrigins []string
	Clock          func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Metrics == nil {
		return nil, errMissingMetrics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		sessions: deps.Sessions,
		verifier: deps.Verifier,
		validate: newValidator(),
		logger:   logger,
		clock:    clock,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.GET("/ws", gin.WrapH(deps.Gateway))

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/notes/:noteId/collaborators", handler.handleCollaborators)
	protected.DELETE("/notes/:noteId/collaboration", handler.handleEndCollaboration)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	wildcard := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
		}
	}
	if wildcard {
		cfg.AllowOrigins = []string{"*"}
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

type httpHandler struct {
	sessions CollaborationService
	verifier RequestVerifier
	validate *validator.Validate
	logger   *zap.Logger
	clock    func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

type createSessionRequest struct {
	NoteID    string `json:"noteId" validate:"required,max=190"`
	MeetingID string `json:"meetingId" validate:"required"`
	JoinURL   string `json:"joinUrl" validate:"required,url"`
	StartURL  string `json:"startUrl" validate:"required,url"`
	Title     string `json:"title" validate:"required,max=200"`
	Date      string `json:"date" validate:"required"`
	Time      string `json:"time" validate:"required"`
	Duration  int    `json:"duration" validate:"required,gt=0"`
}

type fieldErrorPayload struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
		return
	}
	request.NoteID = strings.TrimSpace(request.NoteID)
	if err := h.validate.Struct(request); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
			return
		}
		details := make([]fieldErrorPayload, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			details = append(details, fieldErrorPayload{Field: fieldErr.Field(), Rule: fieldErr.Tag()})
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errors": details})
		return
	}

	session, err := h.sessions.AttachMeeting(c.Request.Context(), request.NoteID, collab.Meeting{
		MeetingID:       request.MeetingID,
		JoinURL:         request.JoinURL,
		StartURL:        request.StartURL,
		Title:           request.Title,
		Date:            request.Date,
		Time:            request.Time,
		DurationMinutes: request.Duration,
		CreatedBy:       userID,
	})
	if err != nil {
		h.respondServiceError(c, "failed to create collaboration session", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"session": session}})
}

func (h *httpHandler) handleCollaborators(c *gin.Context) {
	activeUsers, err := h.sessions.GetActiveUsers(c.Request.Context(), c.Param("noteId"))
	if err != nil {
		h.respondServiceError(c, "failed to list collaborators", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"activeUsers": activeUsers}})
}

func (h *httpHandler) handleEndCollaboration(c *gin.Context) {
	if err := h.sessions.EndSession(c.Request.Context(), c.Param("noteId")); err != nil {
		h.respondServiceError(c, "failed to end collaboration", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, collab.ErrInvalidNoteID), errors.Is(err, collab.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
	case errors.Is(err, collab.ErrStorageUnavailable):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "storage_unavailable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "server_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.verifier.VerifyRequest(c.Request)
	if err != nil {
		logAuthFailure(h.logger, "token validation failed", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_error"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

// logAuthFailure keeps routine token expiry out of warning-level logs.
func logAuthFailure(logger *zap.Logger, message string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, auth.ErrExpiredToken) {
		logger.Info(message, fields...)
		return
	}
	logger.Warn(message, fields...)
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}
