package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gateway headers.
const (
	HeaderInternalToken = "X-Internal-Token"
	HeaderCallerID      = "X-Caller-ID"
	HeaderCallerRole    = "X-Caller-Role"
	HeaderCallerGrants  = "X-Caller-Permissions"
)

// ContextKeyCaller is the gin context key holding the *Caller.
const ContextKeyCaller = "authCaller"

// Middleware attaches the gateway-supplied caller to the context when the
// internal token matches. Requests without a valid token proceed anonymously
// and are rejected later by RequireAuth or RequirePermission.
func Middleware(internalToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderInternalToken)
		if internalToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
			c.Next()
			return
		}

		id := c.GetHeader(HeaderCallerID)
		role := ParseRole(c.GetHeader(HeaderCallerRole))
		if id != "" && role != "" {
			c.Set(ContextKeyCaller, &Caller{
				ID:     id,
				Role:   role,
				Grants: ParseGrants(c.GetHeader(HeaderCallerGrants)),
			})
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		c.Next()
	}
}

// RequirePermission rejects callers that lack action.
func RequirePermission(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := GetCaller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required.",
			})
			return
		}
		if !HasPermission(caller, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Missing permission " + string(action) + ".",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the caller attached by Middleware.
func GetCaller(c *gin.Context) (*Caller, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return nil, false
	}
	caller, ok := v.(*Caller)
	return caller, ok
}

// CallerID returns the caller's id, or "" for anonymous requests.
func CallerID(c *gin.Context) string {
	if caller, ok := GetCaller(c); ok {
		return caller.ID
	}
	return ""
}
