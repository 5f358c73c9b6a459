package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fablecast/fablecast-backend/internal/platform/logger"
	"github.com/fablecast/fablecast-backend/internal/sse"
)

type RealtimeHandler struct {
	Log *logger.Logger
	Hub *sse.SSEHub

	mu      sync.RWMutex
	clients map[uuid.UUID]*sse.SSEClient // key: owner user id, one stream each
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.SSEHub) *RealtimeHandler {
	return &RealtimeHandler{
		Log:     log.With("handler", "RealtimeHandler"),
		Hub:     hub,
		clients: make(map[uuid.UUID]*sse.SSEClient),
	}
}

// GET /api/events
// Streams job progress for the caller. The client starts on the owner channel
// and may additionally follow individual jobs via ?job=<id>.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}

	h.mu.Lock()
	if existing, exists := h.clients[owner]; exists {
		h.Hub.CloseClient(existing)
		delete(h.clients, owner)
	}
	client := h.Hub.NewSSEClient(owner)
	h.clients[owner] = client
	h.mu.Unlock()

	h.Hub.AddChannel(client, owner.String())
	if raw := strings.TrimSpace(c.Query("job")); raw != "" {
		if jobID, err := uuid.Parse(raw); err == nil {
			h.Hub.AddChannel(client, sse.JobChannel(jobID))
		}
	}

	h.Log.Info("SSE stream open", "owner_user_id", owner)
	h.Hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	delete(h.clients, owner)
	h.mu.Unlock()
	h.Hub.CloseClient(client)
}

// POST /api/events/subscribe
func (h *RealtimeHandler) SSESubscribe(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", fmt.Errorf("job_id is required"))
		return
	}
	jobID, err := uuid.Parse(strings.TrimSpace(req.JobID))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}

	h.mu.RLock()
	client, exists := h.clients[owner]
	h.mu.RUnlock()
	if !exists {
		RespondError(c, http.StatusConflict, "no_active_stream", fmt.Errorf("no active event stream for this user"))
		return
	}

	h.Hub.AddChannel(client, sse.JobChannel(jobID))
	RespondOK(c, gin.H{"message": "subscribed", "channel": sse.JobChannel(jobID)})
}
