package handlers

import (
  "net/http"
  "github.com/gin-gonic/gin"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/services"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type AuthHandler struct {
  log         *logger.Logger
  authService services.AuthService
}

func NewAuthHandler(log *logger.Logger, authService services.AuthService) *AuthHandler {
  return &AuthHandler{
    log:         log.With("handler", "AuthHandler"),
    authService: authService,
  }
}

type registerRequest struct {
  Username string `json:"username" binding:"required"`
  Password string `json:"password" binding:"required"`
  RealName string `json:"real_name"`
  Role     string `json:"role" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
  var req registerRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  user, err := h.authService.Register(c.Request.Context(), req.Username, req.Password, req.RealName, types.UserRole(req.Role))
  if err != nil {
    RespondError(c, http.StatusBadRequest, "registration_failed", err)
    return
  }
  RespondOK(c, gin.H{"user": user})
}

type loginRequest struct {
  Username string `json:"username" binding:"required"`
  Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
  var req loginRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  user, pair, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
  if err != nil {
    RespondError(c, http.StatusUnauthorized, "login_failed", err)
    return
  }
  RespondOK(c, gin.H{"user": user, "tokens": pair})
}

type refreshRequest struct {
  RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *AuthHandler) Refresh(c *gin.Context) {
  var req refreshRequest
  if err := c.ShouldBindJSON(&req); err != nil {
    RespondError(c, http.StatusBadRequest, "bad_request", err)
    return
  }
  pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
  if err != nil {
    RespondError(c, http.StatusUnauthorized, "refresh_failed", err)
    return
  }
  RespondOK(c, gin.H{"tokens": pair})
}
