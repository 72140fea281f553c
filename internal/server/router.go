package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/users"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	callerContextKey = "anirate_caller"

	defaultHeartbeatInterval = 25 * time.Second

	errorCodeStorage = "storage_failure"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingWorkflow         = errors.New("rating workflow dependency required")
)

// SessionValidator authenticates a request against the external session issuer.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// RatingWorkflow is the set of use cases exposed over HTTP.
type RatingWorkflow interface {
	ResolveCaller(ctx context.Context, caller submissions.Caller) (users.User, error)
	Submit(ctx context.Context, caller submissions.Caller, ref catalog.ItemRef, input ratings.ScoreInput) (ratings.Rating, error)
	GetUserRating(ctx context.Context, caller submissions.Caller, itemID string) (*ratings.Rating, error)
	ListUserRatings(ctx context.Context, caller submissions.Caller) ([]ratings.Rating, error)
	DeleteRating(ctx context.Context, caller submissions.Caller, itemID string) error
	ItemDetail(ctx context.Context, itemID string) (submissions.ItemDetail, error)
	SearchCatalog(ctx context.Context, query string) ([]catalog.ItemRef, error)
	PublicProfile(ctx context.Context, username string) (submissions.Profile, error)
	SearchUsers(ctx context.Context, query string) ([]submissions.UserSummary, error)
}

// Dependencies wires the HTTP handler. Realtime and Metrics are optional.
type Dependencies struct {
	Sessions          SessionValidator
	Workflow          RatingWorkflow
	Realtime          *views.RealtimeDispatcher
	Metrics           *metrics.Recorder
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the rating API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Workflow == nil {
		return nil, errMissingWorkflow
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		workflow:  deps.Workflow,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	router.GET("/catalog/items/:itemId", handler.handleItemDetail)
	router.GET("/catalog/search", handler.handleCatalogSearch)
	router.GET("/users", handler.handleUserSearch)
	router.GET("/users/:username/ratings", handler.handlePublicProfile)

	protected := router.Group("/ratings")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleSubmitRating)
	protected.GET("", handler.handleListRatings)
	protected.GET("/events", handler.handleRatingEvents)
	protected.GET("/:itemId", handler.handleGetRating)
	protected.DELETE("/:itemId", handler.handleDeleteRating)

	return router, nil
}

// corsMiddleware allows credentialed requests from the configured origins, or any origin when none are set.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	workflow  RatingWorkflow
	realtime  *views.RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type submitRequestPayload struct {
	Item   catalog.ItemRef    `json:"item"`
	Scores ratings.ScoreInput `json:"scores"`
}

func (h *httpHandler) handleSubmitRating(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rating, err := h.workflow.Submit(c.Request.Context(), callerFrom(c), request.Item, request.Scores)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rating})
}

func (h *httpHandler) handleListRatings(c *gin.Context) {
	list, err := h.workflow.ListUserRatings(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ratings": list})
}

func (h *httpHandler) handleGetRating(c *gin.Context) {
	rating, err := h.workflow.GetUserRating(c.Request.Context(), callerFrom(c), c.Param("itemId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rating})
}

func (h *httpHandler) handleDeleteRating(c *gin.Context) {
	if err := h.workflow.DeleteRating(c.Request.Context(), callerFrom(c), c.Param("itemId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ratingEventPayload struct {
	CatalogEntryIDs []string `json:"catalogEntryIds"`
	Timestamp       int64    `json:"timestamp"`
}

func (h *httpHandler) handleRatingEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "realtime_disabled"})
		return
	}
	user, err := h.workflow.ResolveCaller(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, user.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, ratingEventPayload{
				CatalogEntryIDs: message.CatalogEntryIDs,
				Timestamp:       message.Timestamp.Unix(),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(views.EventHeartbeat, gin.H{"timestamp": tick.Unix()})
			return true
		}
	})
}

func (h *httpHandler) handleItemDetail(c *gin.Context) {
	detail, err := h.workflow.ItemDetail(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleCatalogSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"results": []catalog.ItemRef{}})
		return
	}
	results, err := h.workflow.SearchCatalog(c.Request.Context(), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if results == nil {
		results = []catalog.ItemRef{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *httpHandler) handleUserSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"users": []submissions.UserSummary{}})
		return
	}
	found, err := h.workflow.SearchUsers(c.Request.Context(), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": found})
}

func (h *httpHandler) handlePublicProfile(c *gin.Context) {
	profile, err := h.workflow.PublicProfile(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
		return
	}
	subject, email := claims.Identity()
	c.Set(callerContextKey, submissions.Caller{Subject: subject, Email: email})
	c.Next()
}

func callerFrom(c *gin.Context) submissions.Caller {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return submissions.Caller{}
	}
	caller, _ := value.(submissions.Caller)
	return caller
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeOf(err, "invalid_request")})
	case apperr.KindAuthRequired:
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperr.CodeOf(err, "auth_required")})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": apperr.CodeOf(err, "not_found")})
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", apperr.CodeOf(err, errorCodeStorage)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeStorage})
	}
}
