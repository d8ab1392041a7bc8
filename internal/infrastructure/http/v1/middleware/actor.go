package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	appctx "verifactu/internal/core/context"
)

// HeaderActor names the caller. Authentication happens in front of the
// ledger; the header is only recorded in logs and the audit trail.
const HeaderActor = "X-Actor"

const maxActorLength = 100

// Actor adds the calling actor to the request context.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.GetHeader(HeaderActor))
		if len(name) > maxActorLength {
			name = name[:maxActorLength]
		}
		if name == "" {
			name = "anonymous"
		}

		ctx := appctx.WithActor(c.Request.Context(), &appctx.Actor{ID: name, Source: "http"})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
