package handlers

import (
  "errors"
  "net/http"
  "github.com/gin-gonic/gin"
  "github.com/harvestmark/agritrace-backend/internal/services"
)

type APIError struct {
  Message     string	`json:"message"`
  Code	      string	`json:"code,omitempty"`
}

type ErrorEnvelope struct {
  Error	      APIError	`json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
  msg := "unknown error"
  if err != nil {
    msg = err.Error()
  }
  c.JSON(status, ErrorEnvelope{
    Error: APIError{
      Message: msg,
      Code:    code,
    },
  })
}

func RespondOK(c *gin.Context, payload any) {
  c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps the product service sentinels onto HTTP statuses
// so every handler reports the same way.
func RespondServiceError(c *gin.Context, err error) {
  switch {
  case errors.Is(err, services.ErrNotFound):
    RespondError(c, http.StatusNotFound, "not_found", err)
  case errors.Is(err, services.ErrForbidden):
    RespondError(c, http.StatusForbidden, "forbidden", err)
  case errors.Is(err, services.ErrJobInFlight):
    RespondError(c, http.StatusConflict, "job_in_flight", err)
  case errors.Is(err, services.ErrBadState):
    RespondError(c, http.StatusConflict, "bad_state", err)
  default:
    RespondError(c, http.StatusBadRequest, "bad_request", err)
  }
}
