package api

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/hwdecode/internal/logging"
)

const authRealm = `Basic realm="hwdecode"`

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPut, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", "Authorization", "Accept", "Origin"}, ", ")
)

// setCORSHeaders allows any origin; the API is meant for local tooling.
func setCORSHeaders(set func(name, value string)) {
	set("Access-Control-Allow-Origin", "*")
	set("Access-Control-Allow-Methods", corsMethods)
	set("Access-Control-Allow-Headers", corsHeaders)
	set("Access-Control-Max-Age", strconv.Itoa(86400))
}

// corsMiddleware adds CORS headers to every operation.
func corsMiddleware(ctx huma.Context, next func(huma.Context)) {
	setCORSHeaders(ctx.SetHeader)
	next(ctx)
}

// addPreflightHandler answers OPTIONS before routing, which huma
// middleware never sees.
func addPreflightHandler(mux *http.ServeMux) {
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, _ *http.Request) {
		setCORSHeaders(w.Header().Set)
		w.WriteHeader(http.StatusNoContent)
	})
}

// httpLoggingMiddleware logs requests at a level chosen by status code.
func httpLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	status := ctx.Status()
	attrs := []slog.Attr{
		slog.String("method", ctx.Method()),
		slog.String("path", ctx.URL().Path),
		slog.String("remote_addr", ctx.RemoteAddr()),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	}

	level := slog.LevelDebug
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	}
	logging.GetLogger("http").LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
}

// basicAuthMiddleware checks credentials on operations that declare
// security. SSE clients that cannot set headers pass base64 credentials in
// the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	reject := func(ctx huma.Context, msg string) {
		ctx.SetHeader("WWW-Authenticate", authRealm)
		huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded, ok := strings.CutPrefix(ctx.Header("Authorization"), "Basic ")
		if !ok {
			encoded = ctx.Query("auth")
		}
		if encoded == "" {
			reject(ctx, "Authentication required")
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			reject(ctx, "Invalid credentials format")
			return
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			reject(ctx, "Invalid credentials format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			reject(ctx, "Invalid credentials")
			return
		}
		next(ctx)
	}
}

// withAuth marks an operation as requiring basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{{"basicAuth": {}}}
}
