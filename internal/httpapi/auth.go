package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type staffKey struct{}

// AuthMiddleware guards the staff consoles with a shared bearer token. An empty
// token leaves every route open, which is how a single-laptop event runs.
// Requests that pass as staff are marked on the context; see IsStaff.
func AuthMiddleware(staffToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if staffToken == "" || (token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(staffToken)) == 1) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffKey{}, true)))
			return
		}
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing staff token")
			return
		}
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid staff token")
	})
}

func IsStaff(ctx context.Context) bool {
	staff, _ := ctx.Value(staffKey{}).(bool)
	return staff
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	path := r.URL.Path
	switch path {
	case "/healthz", "/metrics":
		return true
	case "/api/tickets":
		return r.Method == http.MethodPost
	case "/api/queue":
		return r.Method == http.MethodGet
	}
	if strings.HasPrefix(path, "/realtime/") || path == "/realtime" {
		return true
	}
	// A family may look up its own ticket in the public view; everything below
	// it is staff only.
	if rest, ok := strings.CutPrefix(path, "/api/tickets/"); ok {
		return r.Method == http.MethodGet && !strings.Contains(strings.Trim(rest, "/"), "/")
	}
	return false
}
