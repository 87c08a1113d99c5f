package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/appctx"
	"github.com/mmdatafocus/vat_reconciliation/utils"
)

type authString string

// BusinessHeader lets an operator token act on one business.
const BusinessHeader = "X-Business-Id"

// AuthMiddleware requires a bearer JWT and puts the caller's business and user on
// the request context. Everything downstream is scoped by that business.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		const bearer = "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := utils.JwtValidate(strings.TrimSpace(auth[len(bearer):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := c.Request.Context()
		businessId := claims.BusinessId
		if claims.Role == utils.RoleOperator {
			if h := strings.TrimSpace(c.GetHeader(BusinessHeader)); h != "" {
				businessId = h
			}
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": BusinessHeader + " is required for operator tokens"})
			return
		}

		ctx = appctx.WithBusiness(ctx, businessId, claims.UserName)
		ctx = utils.SetUserIdInContext(ctx, claims.UserId)
		ctx = context.WithValue(ctx, authString("auth"), claims)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

// OperatorOnly rejects tokens without the operator role. Use after AuthMiddleware.
func OperatorOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CtxValue(c.Request.Context())
		if claims == nil || claims.Role != utils.RoleOperator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator role required"})
			return
		}
		c.Next()
	}
}
