package middleware

import (
  "fmt"
  "net/http"
  "strings"

  "github.com/gin-gonic/gin"
  "github.com/golang-jwt/jwt/v5"

  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/requestdata"
  "github.com/mkld/ragchat-backend/internal/utils"
)

type AuthMiddleware struct {
  secret []byte
  log    *logger.Logger
}

func NewAuthMiddleware(baseLog *logger.Logger) *AuthMiddleware {
  log := baseLog.With("Middleware", "AuthMiddleware")
  secret := utils.GetEnv("JWT_SECRET_KEY", "", log)
  if secret == "" {
    log.Fatal("JWT_SECRET_KEY is required")
  }
  return &AuthMiddleware{secret: []byte(secret), log: log}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
  return func(c *gin.Context) {
    tokenString := extractTokenFromAll(c)
    if tokenString == "" {
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
      return
    }
    rd, err := am.parseToken(tokenString)
    if err != nil {
      am.log.Debug("Rejected token", "error", err)
      c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
      return
    }
    c.Request = c.Request.WithContext(requestdata.WithRequestData(c.Request.Context(), rd))
    c.Next()
  }
}

func (am *AuthMiddleware) parseToken(tokenString string) (*requestdata.RequestData, error) {
  token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
    if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
      return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
    }
    return am.secret, nil
  })
  if err != nil {
    return nil, err
  }
  claims, ok := token.Claims.(jwt.MapClaims)
  if !ok || !token.Valid {
    return nil, fmt.Errorf("invalid token claims")
  }

  userID, ok := claimInt64(claims, "userId")
  if !ok || userID == 0 {
    return nil, fmt.Errorf("token missing userId")
  }
  workspaceID, ok := claimInt64(claims, "workspaceId")
  if !ok {
    return nil, fmt.Errorf("token missing workspaceId")
  }
  roleID, _ := claimInt64(claims, "roleId")

  return &requestdata.RequestData{
    UserID:      userID,
    WorkspaceID: workspaceID,
    RoleID:      int(roleID),
  }, nil
}

func claimInt64(claims jwt.MapClaims, key string) (int64, bool) {
  raw, ok := claims[key]
  if !ok {
    return 0, false
  }
  switch v := raw.(type) {
  case float64:
    return int64(v), true
  case int64:
    return v, true
  default:
    return 0, false
  }
}

// EventSource cannot set headers, so streaming endpoints also accept the
// token as a query parameter.
func extractTokenFromAll(c *gin.Context) string {
  if qToken := c.Query("token"); qToken != "" {
    return qToken
  }
  authHeader := c.GetHeader("Authorization")
  if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
    return authHeader[7:]
  }
  return ""
}
