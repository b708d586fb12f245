package middleware

import (
  "net/http"
  "strings"
  "github.com/gin-gonic/gin"
  "github.com/google/uuid"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/repos"
  "github.com/harvestmark/agritrace-backend/internal/services"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

const ContextUserKey = "current_user"

type AuthMiddleware struct {
  log         *logger.Logger
  authService services.AuthService
  userRepo    repos.UserRepo
}

func NewAuthMiddleware(log *logger.Logger, authService services.AuthService, userRepo repos.UserRepo) *AuthMiddleware {
  return &AuthMiddleware{
    log:         log.With("Middleware", "AuthMiddleware"),
    authService: authService,
    userRepo:    userRepo,
  }
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
  return func(c *gin.Context) {
    tokenString := extractToken(c)
    if tokenString == "" {
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
      return
    }
    userID, _, err := am.authService.ParseAccess(tokenString)
    if err != nil {
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
      return
    }
    user, uErr := am.userRepo.GetByID(c.Request.Context(), nil, userID)
    if uErr != nil || user == nil || user.ID == uuid.Nil {
      c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
      return
    }
    c.Set(ContextUserKey, user)
    c.Next()
  }
}

func (am *AuthMiddleware) RequireRole(role types.UserRole) gin.HandlerFunc {
  return func(c *gin.Context) {
    user := CurrentUser(c)
    if user == nil || user.Role != role {
      c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires role " + string(role)})
      return
    }
    c.Next()
  }
}

// CurrentUser returns the authenticated user set by RequireAuth, or nil.
func CurrentUser(c *gin.Context) *types.User {
  v, ok := c.Get(ContextUserKey)
  if !ok {
    return nil
  }
  user, ok := v.(*types.User)
  if !ok {
    return nil
  }
  return user
}

func extractToken(c *gin.Context) string {
  authHeader := c.GetHeader("Authorization")
  if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
    return authHeader[7:]
  }
  if qToken := c.Query("token"); qToken != "" {
    return qToken
  }
  return ""
}
