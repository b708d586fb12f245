package handlers

import (
  "net/http"
  "github.com/gin-gonic/gin"
  "github.com/google/uuid"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/repos"
)

// JobHandler exposes reconciliation job status for polling clients.
type JobHandler struct {
  log  *logger.Logger
  jobs repos.ChainJobRepo
}

func NewJobHandler(log *logger.Logger, jobRepo repos.ChainJobRepo) *JobHandler {
  return &JobHandler{
    log:  log.With("handler", "JobHandler"),
    jobs: jobRepo,
  }
}

func (h *JobHandler) Get(c *gin.Context) {
  id, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  job, err := h.jobs.GetByID(c.Request.Context(), nil, id)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "internal", err)
    return
  }
  if job == nil {
    RespondError(c, http.StatusNotFound, "not_found", nil)
    return
  }
  RespondOK(c, gin.H{"job": job})
}

// LatestForProduct returns the newest job for a product, which is the row a
// dashboard needs to decide between "in flight", "resubmit" and "done".
func (h *JobHandler) LatestForProduct(c *gin.Context) {
  productID, err := uuid.Parse(c.Param("id"))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  job, err := h.jobs.GetLatestByProduct(c.Request.Context(), nil, productID)
  if err != nil {
    RespondError(c, http.StatusInternalServerError, "internal", err)
    return
  }
  RespondOK(c, gin.H{"job": job})
}
