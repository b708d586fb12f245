package handlers

import (
  "github.com/gin-gonic/gin"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/services"
)

// TraceHandler serves the public, unauthenticated trace surface: the pages a
// consumer reaches by scanning the code on the packaging.
type TraceHandler struct {
  log          *logger.Logger
  chainQuery   services.ChainQueryService
  summary      services.SummaryService
}

func NewTraceHandler(log *logger.Logger, chainQuery services.ChainQueryService, summary services.SummaryService) *TraceHandler {
  return &TraceHandler{
    log:        log.With("handler", "TraceHandler"),
    chainQuery: chainQuery,
    summary:    summary,
  }
}

func (h *TraceHandler) Verify(c *gin.Context) {
  result, err := h.chainQuery.Verify(c.Request.Context(), c.Param("code"))
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, result)
}

func (h *TraceHandler) Trace(c *gin.Context) {
  view, err := h.chainQuery.Trace(c.Request.Context(), c.Param("code"))
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, view)
}

func (h *TraceHandler) Summary(c *gin.Context) {
  view, err := h.chainQuery.Trace(c.Request.Context(), c.Param("code"))
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  text, err := h.summary.Summarize(c.Request.Context(), view.Product, view.Records)
  if err != nil {
    RespondServiceError(c, err)
    return
  }
  RespondOK(c, gin.H{"trace_code": c.Param("code"), "summary": text})
}

func (h *TraceHandler) ChainInfo(c *gin.Context) {
  RespondOK(c, h.chainQuery.Info(c.Request.Context()))
}
