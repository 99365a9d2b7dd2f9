// internal/middleware/cors_middleware.go
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"link-service/internal/config"
)

// CORSMiddleware lets browser dashboards on the allowed origins read link
// status and open the status streams. No origins, or "*", allows any.
func CORSMiddleware(cfg *config.HTTPConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:   []string{"Content-Length", "X-Request-ID"},
		AllowWebSockets: true,
		MaxAge:          12 * time.Hour,
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 || containsOrigin(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}

	return cors.New(corsConfig)
}

func containsOrigin(origins []string, origin string) bool {
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}
