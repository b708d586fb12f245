package handlers

import (
  "net/http"
  "github.com/gin-gonic/gin"
  "github.com/google/uuid"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/middleware"
  "github.com/harvestmark/agritrace-backend/internal/services"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type ProductHandler struct {
  log            *logger.Logger
  productService services.ProductService
}

func NewProductHandler(log *logger.Logger, productService services.ProductService) *ProductHandler {
  return &ProductHandler{
    log:            log.With("handler", "ProductHandler"),
    productService: productService,
  }
}

func parseProductID(c *gin.Context) (uuid.UUID, bool) {
  id, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return uuid.Nil, false
  }
  return id, true
}

func (h *ProductHandler) Create(c *gin.Context) {
  user := middleware.CurrentUser(c)
  var in services.DraftInput
  if err := c.ShouldBindJSON(&in); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  product, err := h.productService.CreateDraft(c.Request.Context(), user, in)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"product": product})
}

func (h *ProductHandler) Update(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var in services.DraftInput
  if err := c.ShouldBindJSON(&in); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  product, err := h.productService.UpdateDraft(c.Request.Context(), user, id, in)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"product": product})
}

func (h *ProductHandler) Delete(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  if err := h.productService.DeleteDraft(c.Request.Context(), user, id); err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"deleted": true})
}

func (h *ProductHandler) Submit(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  job, err := h.productService.Submit(c.Request.Context(), user, id)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"job": job})
}

func (h *ProductHandler) Resubmit(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  job, err := h.productService.Resubmit(c.Request.Context(), user, id)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"job": job})
}

func (h *ProductHandler) Amend(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var in services.AmendInput
  if err := c.ShouldBindJSON(&in); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  job, err := h.productService.Amend(c.Request.Context(), user, id, in)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"job": job})
}

type invalidateRequest struct {
  Reason string `json:"reason" binding:"required"`
}

func (h *ProductHandler) Invalidate(c *gin.Context) {
  user := middleware.CurrentUser(c)
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  var req invalidateRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  job, err := h.productService.Invalidate(c.Request.Context(), user, id, req.Reason)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"job": job})
}

func (h *ProductHandler) Get(c *gin.Context) {
  id, ok := parseProductID(c)
  if !ok {
    return
  }
  product, records, err := h.productService.Get(c.Request.Context(), id)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"product": product, "records": records})
}

func (h *ProductHandler) ListMine(c *gin.Context) {
  user := middleware.CurrentUser(c)
  var status *types.ProductStatus
  if s := c.Query("status"); s != "" {
    st := types.ProductStatus(s)
    status = &st
  }
  products, err := h.productService.ListMine(c.Request.Context(), user, status)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"products": products})
}

func (h *ProductHandler) ListHeld(c *gin.Context) {
  user := middleware.CurrentUser(c)
  products, err := h.productService.ListHeld(c.Request.Context(), user)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"products": products})
}

func (h *ProductHandler) ListByStage(c *gin.Context) {
  stage := types.ProductStage(c.Param("stage"))
  products, err := h.productService.ListByStage(c.Request.Context(), stage)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"products": products})
}
