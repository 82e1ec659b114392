package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/service/notification"
	"github.com/clawlite/gateway/internal/domain/service/subagent"
	"github.com/clawlite/gateway/internal/infrastructure/cron"
	"github.com/clawlite/gateway/internal/infrastructure/marketplace"
	"github.com/clawlite/gateway/internal/infrastructure/persistence/models"
)

// OpsHandler exposes the operational surface backing the dashboard-less
// admin endpoints: notifications, cron jobs, subagent runs, and skills.
type OpsHandler struct {
	notifier    *notification.Sink
	scheduler   *cron.Scheduler
	subagents   *subagent.Runtime
	marketplace *marketplace.Client
	logger      *zap.Logger
}

// NewOpsHandler builds an OpsHandler. Any dependency may be nil — the
// corresponding endpoints respond 503 instead of panicking, the same
// nil-guard convention AgentHandler uses for its optional dependencies.
func NewOpsHandler(notifier *notification.Sink, scheduler *cron.Scheduler, subagents *subagent.Runtime, mp *marketplace.Client, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		notifier:    notifier,
		scheduler:   scheduler,
		subagents:   subagents,
		marketplace: mp,
		logger:      logger.With(zap.String("handler", "ops")),
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

// ListNotifications handles GET /api/notifications?min_priority=&limit=
func (h *OpsHandler) ListNotifications(c *gin.Context) {
	if h.notifier == nil {
		unavailable(c, "notifications")
		return
	}
	minPriority := notification.Priority(c.DefaultQuery("min_priority", string(notification.PriorityLow)))
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	rows, err := h.notifier.List(minPriority, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}

// UpsertCronJob handles POST /api/cron
func (h *OpsHandler) UpsertCronJob(c *gin.Context) {
	if h.scheduler == nil {
		unavailable(c, "cron scheduler")
		return
	}
	var job models.CronJobModel
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.scheduler.UpsertJob(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

// ListSubagentRuns handles GET /api/agents/runs?session_id=&active=
func (h *OpsHandler) ListSubagentRuns(c *gin.Context) {
	if h.subagents == nil {
		unavailable(c, "subagent runtime")
		return
	}
	sessionID := c.Query("session_id")
	onlyActive := c.Query("active") == "true"
	c.JSON(http.StatusOK, gin.H{"runs": h.subagents.ListRuns(sessionID, onlyActive)})
}

// CancelSubagentRun handles POST /api/agents/runs/:id/cancel
func (h *OpsHandler) CancelSubagentRun(c *gin.Context) {
	if h.subagents == nil {
		unavailable(c, "subagent runtime")
		return
	}
	ok := h.subagents.CancelRun(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

// InstallSkillRequest is the JSON body for POST /api/skills/install
type InstallSkillRequest struct {
	Slug  string `json:"slug" binding:"required"`
	Force bool   `json:"force"`
}

// InstallSkill handles POST /api/skills/install
func (h *OpsHandler) InstallSkill(c *gin.Context) {
	if h.marketplace == nil {
		unavailable(c, "skill marketplace")
		return
	}
	var req InstallSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.marketplace.Install(req.Slug, req.Force)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// UpdateSkillsRequest is the JSON body for POST /api/skills/update
type UpdateSkillsRequest struct {
	Slugs  []string `json:"slugs,omitempty"`
	Force  bool     `json:"force,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
	Strict bool     `json:"strict,omitempty"`
}

// UpdateSkills handles POST /api/skills/update
func (h *OpsHandler) UpdateSkills(c *gin.Context) {
	if h.marketplace == nil {
		unavailable(c, "skill marketplace")
		return
	}
	var req UpdateSkillsRequest
	// an empty body means "update everything installed"
	_ = c.ShouldBindJSON(&req)
	report, err := h.marketplace.Update(req.Slugs, req.Force, req.DryRun, req.Strict)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
