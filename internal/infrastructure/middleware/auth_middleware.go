package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meetwire/internal/core/services"
	apperrors "meetwire/pkg/errors"
)

// BearerToken extracts a JWT from the Authorization header, falling back to
// the token query parameter browsers use for websocket handshakes.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware rejects requests without a valid token and stores the
// claims on the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			_ = c.Error(apperrors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			_ = c.Error(apperrors.NewUnauthorizedError(err.Error()).WithCause(err))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(services.WithClaims(c.Request.Context(), claims))
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}
