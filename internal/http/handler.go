package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-webhook/internal/config"
	"anpr-webhook/internal/domain/event"
	"anpr-webhook/internal/service"
)

// EventReader is the query side of the event store used by the admin API.
type EventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]event.EventRecord, error)
	EventsByPlate(ctx context.Context, plate string, limit int) ([]event.EventRecord, error)
	Stats(ctx context.Context) (event.Stats, error)
}

type Handler struct {
	processor *service.Processor
	reader    EventReader
	config    *config.Config
	log       zerolog.Logger
	startedAt time.Time
}

func NewHandler(
	processor *service.Processor,
	reader EventReader,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		processor: processor,
		reader:    reader,
		config:    cfg,
		log:       log,
		startedAt: time.Now().UTC(),
	}
}

// Router builds the gin engine with middleware applied.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))
	h.Register(r)
	return r
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", h.root)
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)

	// Public ingestion endpoint: cameras do not authenticate.
	public := r.Group("/api/v1")
	{
		public.POST("/events", h.createEvent)
	}

	// Admin endpoints require a bearer token and stay unregistered when no
	// secret is configured.
	if h.config.Auth.JWTSecret == "" {
		h.log.Warn().Msg("no jwt secret configured, admin endpoints disabled")
		return
	}
	admin := r.Group("/api/v1")
	admin.Use(BearerAuth(h.config.Auth.JWTSecret, h.log))
	{
		admin.GET("/events/recent", h.recentEvents)
		admin.GET("/events/plate/:plate", h.eventsByPlate)
		admin.GET("/stats", h.stats)
		admin.GET("/images/*path", h.imageURL)
		admin.GET("/config", h.showConfig)
	}
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "anpr-webhook",
		"status":    "running",
		"worker_id": h.config.WorkerID,
		"uptime":    time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.processor.HealthCheck(c.Request.Context()))
}

func (h *Handler) ready(c *gin.Context) {
	storageHealth := h.processor.StorageHealth(c.Request.Context())
	if storageHealth.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":   false,
			"storage": storageHealth,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// createEvent ingests one camera webhook. Rejected plates are a normal
// outcome and come back 200; only infrastructure failure is a 500.
func (h *Handler) createEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("unreadable request body"))
		return
	}

	_, resp := h.processor.Process(c.Request.Context(), body, time.Now().UTC())
	if resp.Status == "error" {
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) recentEvents(c *gin.Context) {
	limit := clampedLimit(c.Query("limit"), 20)

	events, err := h.reader.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list recent events")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handler) eventsByPlate(c *gin.Context) {
	plate := strings.ToUpper(strings.TrimSpace(c.Param("plate")))
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate is required"))
		return
	}
	limit := clampedLimit(c.Query("limit"), 20)

	events, err := h.reader.EventsByPlate(c.Request.Context(), plate, limit)
	if err != nil {
		h.log.Error().Err(err).Str("plate", plate).Msg("failed to list events by plate")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"plate": plate, "events": events, "count": len(events)})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.reader.Stats(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to compute stats")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// imageURL returns a time-limited URL for a stored evidence image. The
// expiry is clamped to [60s, 24h].
func (h *Handler) imageURL(c *gin.Context) {
	relativePath := strings.TrimPrefix(c.Param("path"), "/")
	if relativePath == "" {
		c.JSON(http.StatusBadRequest, errorResponse("image path is required"))
		return
	}

	expiresIn := 3600
	if raw := c.Query("expires_in"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			expiresIn = parsed
		}
	}
	if expiresIn < 60 {
		expiresIn = 60
	}
	if expiresIn > 86400 {
		expiresIn = 86400
	}

	url, err := h.processor.StorageURL(c.Request.Context(), relativePath, time.Duration(expiresIn)*time.Second)
	if err != nil {
		h.log.Error().Err(err).Str("path", relativePath).Msg("failed to presign image url")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"expires_in": expiresIn,
	})
}

func (h *Handler) showConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.config.Public())
}

func clampedLimit(raw string, fallback int) int {
	limit := fallback
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
