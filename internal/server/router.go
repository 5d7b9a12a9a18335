package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptwall/backend/internal/wall"
)

var (
	errMissingWallService = errors.New("wall service dependency required")
	errMissingHub         = errors.New("session hub dependency required")
)

// SnapshotFetcher loads a full archived snapshot from cold storage.
type SnapshotFetcher interface {
	GetSnapshot(ctx context.Context, objectKey string) (wall.Snapshot, error)
}

// RotationScheduler requests an out-of-band rotation.
type RotationScheduler interface {
	Kick()
}

// Dependencies bundles the collaborators the HTTP surface needs.
type Dependencies struct {
	WallService *wall.Service
	Hub         *Hub
	Archive     SnapshotFetcher
	Rotation    RotationScheduler
	AdminSecret string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the wall coordinator.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.WallService == nil {
		return nil, errMissingWallService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		wallService: deps.WallService,
		hub:         deps.Hub,
		archive:     deps.Archive,
		rotation:    deps.Rotation,
		adminSecret: deps.AdminSecret,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleConnect)

	api := router.Group("/api")
	api.POST("/contribute", handler.handleContribute)
	api.GET("/history", handler.handleHistory)
	api.GET("/archives", handler.handleArchives)
	api.GET("/archives/:id", handler.handleArchiveSnapshot)
	api.POST("/admin/reset", handler.handleAdminReset)

	return router, nil
}

type httpHandler struct {
	wallService *wall.Service
	hub         *Hub
	archive     SnapshotFetcher
	rotation    RotationScheduler
	adminSecret string
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.hub.LiveCount()})
}

func (h *httpHandler) handleConnect(c *gin.Context) {
	h.hub.HandleConnection(c.Writer, c.Request, c.ClientIP())
}

type contributeRequestPayload struct {
	Text        string   `json:"text"`
	Author      string   `json:"author"`
	StyleHint   string   `json:"style_hint"`
	VerifyToken string   `json:"verify_token"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
}

func (h *httpHandler) handleContribute(c *gin.Context) {
	var request contributeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	pieceID, err := h.wallService.Submit(c.Request.Context(), wall.SubmitRequest{
		Text:      request.Text,
		Author:    request.Author,
		StyleHint: request.StyleHint,
		Token:     request.VerifyToken,
		RemoteIP:  c.ClientIP(),
		X:         request.X,
		Y:         request.Y,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": pieceID})
}

func (h *httpHandler) writeSubmitError(c *gin.Context, err error) {
	var rateLimited *wall.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		retryAfter := int(rateLimited.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":         "rate_limited",
			"retry_after_s": retryAfter,
		})
	case errors.Is(err, wall.ErrUnverified):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unverified"})
	case errors.Is(err, wall.ErrOverloaded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overloaded"})
	case errors.Is(err, wall.ErrEmptyText),
		errors.Is(err, wall.ErrDisallowedMarkup),
		errors.Is(err, wall.ErrStyleHintTooShort):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("contribute failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
	}
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	offset := parseQueryInt(c, "offset", 0)
	limit := parseQueryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	pieces, total, err := h.wallService.HistoryPage(c.Request.Context(), offset, limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	views := make([]wall.PieceView, 0, len(pieces))
	for _, piece := range pieces {
		views = append(views, wall.ViewOfPiece(piece))
	}
	c.JSON(http.StatusOK, gin.H{"pieces": views, "total": total})
}

func (h *httpHandler) handleArchives(c *gin.Context) {
	entries, err := h.wallService.ListArchives(c.Request.Context())
	if err != nil {
		h.logger.Error("archive index failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archives_failed"})
		return
	}
	views := make([]wall.ArchiveEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, wall.ViewOfArchiveEntry(entry))
	}
	c.JSON(http.StatusOK, gin.H{"archives": views})
}

func (h *httpHandler) handleArchiveSnapshot(c *gin.Context) {
	entry, found, err := h.wallService.GetArchiveEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("archive entry lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive_failed"})
		return
	}
	if !found || h.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive_not_found"})
		return
	}
	snapshot, err := h.archive.GetSnapshot(c.Request.Context(), entry.ObjectKey)
	if err != nil {
		h.logger.Error("archive snapshot fetch failed",
			zap.String("object_key", entry.ObjectKey), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "archive_fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type adminResetPayload struct {
	Secret string `json:"secret"`
}

func (h *httpHandler) handleAdminReset(c *gin.Context) {
	var request adminResetPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(request.Secret), []byte(h.adminSecret)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	result, err := h.wallService.Reset(c.Request.Context())
	if err != nil {
		h.logger.Error("admin reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset_failed"})
		return
	}

	backgroundScheduled := false
	if h.rotation != nil {
		h.rotation.Kick()
		backgroundScheduled = true
	}

	c.JSON(http.StatusOK, gin.H{
		"pieces_deleted":       result.PiecesDeleted,
		"backgrounds_deleted":  result.BackgroundsDeleted,
		"rate_records_deleted": result.RateRecordsDeleted,
		"background_scheduled": backgroundScheduled,
	})
}

func parseQueryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
