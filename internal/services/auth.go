package services

import (
  "context"
  "fmt"
  "strings"
  "time"
  "gorm.io/gorm"
  "golang.org/x/crypto/bcrypt"
  "github.com/golang-jwt/jwt/v5"
  "github.com/google/uuid"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/repos"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type JWTClaims struct {
  Role string `json:"role"`
  Typ  string `json:"typ"`
  jwt.RegisteredClaims
}

type TokenPair struct {
  AccessToken  string `json:"access_token"`
  RefreshToken string `json:"refresh_token"`
}

type AuthService interface {
  Register(ctx context.Context, username, password, realName string, role types.UserRole) (*types.User, error)
  Login(ctx context.Context, username, password string) (*types.User, *TokenPair, error)
  Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
  ParseAccess(tokenString string) (uuid.UUID, types.UserRole, error)
  GetAccessTTL() time.Duration
}

type authService struct {
  db           *gorm.DB
  log          *logger.Logger
  userRepo     repos.UserRepo
  jwtSecretKey string
  accessTTL    time.Duration
  refreshTTL   time.Duration
}

func NewAuthService(db *gorm.DB, baseLog *logger.Logger, userRepo repos.UserRepo, jwtSecretKey string, accessTTL, refreshTTL time.Duration) AuthService {
  return &authService{
    db:           db,
    log:          baseLog.With("service", "AuthService"),
    userRepo:     userRepo,
    jwtSecretKey: jwtSecretKey,
    accessTTL:    accessTTL,
    refreshTTL:   refreshTTL,
  }
}

var validRoles = map[types.UserRole]bool{
  types.RoleGrower:    true,
  types.RoleProcessor: true,
  types.RoleInspector: true,
  types.RoleSeller:    true,
}

func (as *authService) Register(ctx context.Context, username, password, realName string, role types.UserRole) (*types.User, error) {
  username = strings.TrimSpace(username)
  if username == "" {
    return nil, fmt.Errorf("Username is required")
  }
  if len(password) < 6 {
    return nil, fmt.Errorf("Password must be at least 6 characters")
  }
  if !validRoles[role] {
    return nil, fmt.Errorf("Unknown role: %s", role)
  }
  exists, eErr := as.userRepo.UsernameExists(ctx, nil, username)
  if eErr != nil {
    return nil, fmt.Errorf("Failed to check username: %w", eErr)
  }
  if exists {
    return nil, fmt.Errorf("Username already taken")
  }
  hash, hErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
  if hErr != nil {
    return nil, fmt.Errorf("Failed to hash password: %w", hErr)
  }
  user := &types.User{
    ID:       uuid.New(),
    Username: username,
    Password: string(hash),
    RealName: strings.TrimSpace(realName),
    Role:     role,
  }
  if _, cErr := as.userRepo.Create(ctx, nil, user); cErr != nil {
    return nil, fmt.Errorf("Failed to create user: %w", cErr)
  }
  return user, nil
}

func (as *authService) Login(ctx context.Context, username, password string) (*types.User, *TokenPair, error) {
  user, uErr := as.userRepo.GetByUsername(ctx, nil, strings.TrimSpace(username))
  if uErr != nil {
    return nil, nil, fmt.Errorf("Error retrieving user: %w", uErr)
  }
  if user == nil {
    return nil, nil, fmt.Errorf("Invalid username or password")
  }
  if hErr := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); hErr != nil {
    return nil, nil, fmt.Errorf("Invalid username or password")
  }
  pair, pErr := as.issuePair(user)
  if pErr != nil {
    return nil, nil, pErr
  }
  return user, pair, nil
}

func (as *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
  claims, cErr := as.parse(refreshToken)
  if cErr != nil {
    return nil, cErr
  }
  if claims.Typ != "refresh" {
    return nil, fmt.Errorf("Not a refresh token")
  }
  userID, idErr := uuid.Parse(claims.Subject)
  if idErr != nil {
    return nil, fmt.Errorf("Invalid user id in token: %w", idErr)
  }
  user, uErr := as.userRepo.GetByID(ctx, nil, userID)
  if uErr != nil {
    return nil, fmt.Errorf("Failed to load user for refresh: %w", uErr)
  }
  if user == nil {
    return nil, fmt.Errorf("No user found for the given refresh token")
  }
  return as.issuePair(user)
}

func (as *authService) ParseAccess(tokenString string) (uuid.UUID, types.UserRole, error) {
  claims, cErr := as.parse(tokenString)
  if cErr != nil {
    return uuid.Nil, "", cErr
  }
  if claims.Typ != "access" {
    return uuid.Nil, "", fmt.Errorf("Not an access token")
  }
  userID, idErr := uuid.Parse(claims.Subject)
  if idErr != nil {
    return uuid.Nil, "", fmt.Errorf("Invalid user id in token: %w", idErr)
  }
  return userID, types.UserRole(claims.Role), nil
}

func (as *authService) GetAccessTTL() time.Duration {
  return as.accessTTL
}

func (as *authService) issuePair(user *types.User) (*TokenPair, error) {
  access, aErr := as.sign(user, "access", as.accessTTL)
  if aErr != nil {
    return nil, fmt.Errorf("Failed to sign access token: %w", aErr)
  }
  refresh, rErr := as.sign(user, "refresh", as.refreshTTL)
  if rErr != nil {
    return nil, fmt.Errorf("Failed to sign refresh token: %w", rErr)
  }
  return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (as *authService) sign(user *types.User, typ string, ttl time.Duration) (string, error) {
  claims := JWTClaims{
    Role: string(user.Role),
    Typ:  typ,
    RegisteredClaims: jwt.RegisteredClaims{
      Subject:   user.ID.String(),
      ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
      IssuedAt:  jwt.NewNumericDate(time.Now()),
    },
  }
  token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
  return token.SignedString([]byte(as.jwtSecretKey))
}

func (as *authService) parse(tokenString string) (*JWTClaims, error) {
  if tokenString == "" {
    return nil, fmt.Errorf("Empty token")
  }
  parsed, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
    if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
      return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
    }
    return []byte(as.jwtSecretKey), nil
  })
  if err != nil {
    return nil, fmt.Errorf("Failed to parse token: %w", err)
  }
  claims, ok := parsed.Claims.(*JWTClaims)
  if !ok || !parsed.Valid {
    return nil, fmt.Errorf("Invalid or expired JWT token")
  }
  return claims, nil
}
