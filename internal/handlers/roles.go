package handlers

import (
  "net/http"
  "github.com/gin-gonic/gin"
  "github.com/google/uuid"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/middleware"
  "github.com/harvestmark/agritrace-backend/internal/services"
)

// RoleHandler exposes the stage-specific custody operations. Route-level
// RequireRole middleware keeps the wrong role out before the service runs
// its own checks.
type RoleHandler struct {
  log            *logger.Logger
  productService services.ProductService
}

func NewRoleHandler(log *logger.Logger, productService services.ProductService) *RoleHandler {
  return &RoleHandler{
    log:            log.With("handler", "RoleHandler"),
    productService: productService,
  }
}

type recordRequest struct {
  Payload map[string]any `json:"payload"`
  Remark  string         `json:"remark"`
}

func (r recordRequest) input() services.RecordInput {
  return services.RecordInput{Payload: r.Payload, Remark: r.Remark}
}

type targetedRecordRequest struct {
  Payload  map[string]any `json:"payload"`
  Remark   string         `json:"remark"`
  TargetID *uuid.UUID     `json:"target_id"`
}

func (h *RoleHandler) respondJob(c *gin.Context, run func() (any, error)) {
  out, err := run()
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"job": out})
}

func (h *RoleHandler) Harvest(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Harvest(c.Request.Context(), user, id, req.input())
  })
}

func (h *RoleHandler) Receive(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Receive(c.Request.Context(), user, id, req.input())
  })
}

func (h *RoleHandler) Process(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Process(c.Request.Context(), user, id, req.input())
  })
}

func (h *RoleHandler) SendInspect(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req targetedRecordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.SendInspect(c.Request.Context(), user, id, req.TargetID, services.RecordInput{Payload: req.Payload, Remark: req.Remark})
  })
}

func (h *RoleHandler) StartInspect(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.StartInspect(c.Request.Context(), user, id, req.input())
  })
}

func (h *RoleHandler) Approve(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req targetedRecordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Approve(c.Request.Context(), user, id, req.TargetID, services.RecordInput{Payload: req.Payload, Remark: req.Remark})
  })
}

func (h *RoleHandler) Reject(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Reject(c.Request.Context(), user, id, req.input())
  })
}

func (h *RoleHandler) StockIn(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req recordRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.StockIn(c.Request.Context(), user, id, req.input())
  })
}

type sellRequest struct {
  Buyer   string         `json:"buyer"`
  Payload map[string]any `json:"payload"`
  Remark  string         `json:"remark"`
}

func (h *RoleHandler) Sell(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req sellRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  h.respondJob(c, func() (any, error) {
    return h.productService.Sell(c.Request.Context(), user, id, req.Buyer, services.RecordInput{Payload: req.Payload, Remark: req.Remark})
  })
}
