package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/utils"
)

const (
	ctxUserID = "userID"
	ctxRole   = "role"
	ctxToken  = "token"
)

// TokenValidator 令牌校验
type TokenValidator interface {
	ValidateToken(token string) (*utils.JWTClaims, error)
}

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
	}
}

// RequireAuth 需要认证的中间件
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.authenticate(c) {
			return
		}
		c.Next()
	}
}

// RequireRole 需要特定角色的中间件
func (m *AuthMiddleware) RequireRole(roles ...game.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.authenticate(c) {
			return
		}
		if !HasAnyRole(c, roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "INSUFFICIENT_PERMISSION",
				"message": "权限不足",
			})
			return
		}
		c.Next()
	}
}

// authenticate 校验令牌并写入上下文，失败时中止请求
func (m *AuthMiddleware) authenticate(c *gin.Context) bool {
	token := extractToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "NO_TOKEN",
			"message": "缺少认证令牌",
		})
		return false
	}

	claims, err := m.validator.ValidateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "INVALID_TOKEN",
			"message": "无效的令牌",
			"details": err.Error(),
		})
		return false
	}

	role := game.Role(claims.Role)
	if role != game.RoleDM && role != game.RolePlayer {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code":    "UNKNOWN_ROLE",
			"message": "未知的角色",
		})
		return false
	}

	c.Set(ctxUserID, claims.UserID)
	c.Set(ctxRole, role)
	c.Set(ctxToken, token)
	return true
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.SplitN(bearerToken, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. Query参数（浏览器WebSocket无法设置Header）
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) (string, bool) {
	return c.GetString(ctxUserID), c.GetString(ctxUserID) != ""
}

// GetUserRole 从上下文获取用户角色
func GetUserRole(c *gin.Context) (game.Role, bool) {
	if role, exists := c.Get(ctxRole); exists {
		if r, ok := role.(game.Role); ok {
			return r, true
		}
	}
	return "", false
}

// GetActor 从上下文构造调用者身份
func GetActor(c *gin.Context) (game.Actor, bool) {
	userID, ok := GetUserID(c)
	if !ok {
		return game.Actor{}, false
	}
	role, ok := GetUserRole(c)
	if !ok {
		return game.Actor{}, false
	}
	return game.Actor{UserID: userID, Role: role}, true
}

// HasAnyRole 检查是否有任一角色
func HasAnyRole(c *gin.Context, roles ...game.Role) bool {
	if userRole, exists := GetUserRole(c); exists {
		for _, role := range roles {
			if userRole == role {
				return true
			}
		}
	}
	return false
}
