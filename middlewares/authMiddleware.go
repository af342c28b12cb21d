package middlewares

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpbridge/utils"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// AuthMiddleware requires a bearer token signed with API_SECRET whose role
// is operator. The subject becomes the actor of the request.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		bearer := "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)
		if customClaim == nil || customClaim.Role != utils.RoleOperator {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden"})
			c.Abort()
			return
		}

		ctx := utils.SetActorInContext(c.Request.Context(), customClaim.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WebhookSecretMiddleware checks the shared secret the business application
// sends with every webhook. An unset WEBHOOK_SECRET rejects every call.
func WebhookSecretMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("WEBHOOK_SECRET")
		got := c.Request.Header.Get(WebhookSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			c.Abort()
			return
		}
		ctx := utils.SetActorInContext(c.Request.Context(), "webhook")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
