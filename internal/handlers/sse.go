package handlers

import (
  "github.com/gin-gonic/gin"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/middleware"
  "github.com/harvestmark/agritrace-backend/internal/sse"
)

type SSEHandler struct {
  log *logger.Logger
  hub *sse.SSEHub
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub) *SSEHandler {
  return &SSEHandler{
    log: log.With("handler", "SSEHandler"),
    hub: hub,
  }
}

// Stream opens the event stream and subscribes the client to its own user
// channel, where job and product events are addressed.
func (h *SSEHandler) Stream(c *gin.Context) {
  user := middleware.CurrentUser(c)
  client := h.hub.NewSSEClient(user.ID)
  h.hub.AddChannel(client, user.ID.String())
  defer h.hub.CloseClient(client)
  h.hub.ServeHTTP(c.Writer, c.Request, client)
}
