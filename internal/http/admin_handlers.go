package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"persona-mcp/internal/service"
)

// Pinger verifica conectividad con la persistencia.
type Pinger func(ctx context.Context) error

// AdminHandlers expone la superficie operativa del runtime.
type AdminHandlers struct {
	logger   *zap.Logger
	ping     Pinger
	sessions *service.SessionManager
	personas *service.PersonaService
	memories *service.MemoryService
	decay    *service.DecayWorker
	started  time.Time
}

func NewAdminHandlers(
	logger *zap.Logger,
	ping Pinger,
	sessions *service.SessionManager,
	personas *service.PersonaService,
	memories *service.MemoryService,
	decay *service.DecayWorker,
) *AdminHandlers {
	return &AdminHandlers{
		logger:   logger,
		ping:     ping,
		sessions: sessions,
		personas: personas,
		memories: memories,
		decay:    decay,
		started:  time.Now().UTC(),
	}
}

// Health maneja GET /healthz: 200 si la base responde, 503 si no.
func (h *AdminHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status maneja GET /status.
func (h *AdminHandlers) Status(c *gin.Context) {
	personas, err := h.personas.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not count personas"})
		return
	}
	sessions, streams := h.sessions.Counts()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"personas":       personas,
		"sessions":       sessions,
		"streams":        streams,
	})
}

// MemoryStats maneja GET /memory/stats.
func (h *AdminHandlers) MemoryStats(c *gin.Context) {
	total, err := h.memories.CountAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not count memories"})
		return
	}
	shared, err := h.memories.SharedStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not aggregate visibility stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_memories": total,
		"by_visibility":  shared,
		"last_sweep":     h.decay.Stats(),
	})
}

// ForceSweep maneja POST /memory/sweep: dispara una pasada de decay
// inmediata equivalente a `hours` horas de reposo (default 1).
func (h *AdminHandlers) ForceSweep(c *gin.Context) {
	hours, err := strconv.ParseFloat(c.DefaultQuery("hours", "1"), 64)
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive number"})
		return
	}
	stats := h.decay.Sweep(c.Request.Context(), time.Duration(hours*float64(time.Hour)))
	c.JSON(http.StatusOK, gin.H{"sweep": stats})
}
