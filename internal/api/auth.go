package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/auth"
	"caseflow/internal/services"
)

// Headers set by the fronting identity proxy.
const (
	HeaderPrincipal = "X-Caseflow-Principal"
	HeaderRoles     = "X-Caseflow-Roles"
	HeaderRequestID = "X-Request-ID"
)

// tokenMiddleware validates bearer tokens. An empty token disables the check.
func tokenMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		presented := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identityMiddleware moves the proxy-supplied principal and a request id into
// the request context.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal := auth.ParseRoles(r.Header.Get(HeaderPrincipal), r.Header.Get(HeaderRoles))
		if !principal.Empty() {
			ctx = auth.WithPrincipal(ctx, principal)
		}
		requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = services.WithRequestID(ctx, requestID)
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
