package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"captn/internal/apperr"
	"captn/internal/auth"
)

const (
	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	headerReqID  = "X-Request-ID"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerReqID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set(headerReqID, id)
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 400 {
			event = log.Warn()
		}
		if status >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(ctxRequestID)).
			Int64("user_id", c.GetInt64(ctxUserID)).
			Msg("request completed")
	}
}

// cors echoes the request origin when it is on the allow list. Credentials
// are allowed because the session travels in a cookie.
func cors(allowOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowOrigins))
	wildcard := false
	for _, o := range allowOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || wildcard {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", headerReqID)
				h.Set("Access-Control-Max-Age", "43200")
				h.Add("Vary", "Origin")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireUser rejects the request before any handler runs unless it carries a
// valid session token in the cookie or a bearer header.
func requireUser(tokens *auth.Tokens, cookieName string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			if v, err := c.Cookie(cookieName); err == nil {
				tok = v
			}
		}
		if tok == "" {
			abortWithError(c, apperr.ErrAuthenticationRequired, nil)
			return
		}
		userID, err := tokens.Parse(tok)
		if err != nil {
			log.Debug().Err(err).Str("request_id", c.GetString(ctxRequestID)).Msg("session token rejected")
			abortWithError(c, apperr.ErrAuthenticationRequired, nil)
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}
