package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lei/conveyor/internal/config"
	"github.com/lei/conveyor/pkg/logger"
)

// AuthMiddleware handles API key authentication
type AuthMiddleware struct {
	apiKeys map[string]config.APIKey // key -> metadata
}

// NewAuthMiddleware creates a new auth middleware. With no keys configured
// authentication is disabled.
func NewAuthMiddleware(keys []config.APIKey) *AuthMiddleware {
	keyMap := make(map[string]config.APIKey)
	for _, k := range keys {
		keyMap[k.Key] = k
	}
	return &AuthMiddleware{apiKeys: keyMap}
}

// Authenticate validates the API key from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		log := GetLogger(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if log != nil {
				log.Warn("authentication failed: missing authorization header")
			}
			respondError(w, r, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Expect: "Bearer <api_key>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			if log != nil {
				log.Warn("authentication failed: invalid authorization format")
			}
			respondError(w, r, http.StatusUnauthorized, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		key, valid := m.apiKeys[parts[1]]
		if !valid {
			if log != nil {
				keyPrefix := parts[1]
				if len(keyPrefix) > 8 {
					keyPrefix = keyPrefix[:8]
				}
				log.Warn("authentication failed: invalid api key", "key_prefix", keyPrefix)
			}
			respondError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}

		if log != nil {
			log.Debug("authentication successful", "api_key_name", key.Name)
		}

		// Key identity feeds audit logging and approval role checks
		ctx := context.WithValue(r.Context(), contextKeyAPIKeyName, key.Name)
		ctx = context.WithValue(ctx, contextKeyAPIKeyRole, key.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware adds structured logging to all requests
type LoggingMiddleware struct {
	logger *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: log}
}

// Handler wraps HTTP handlers with logging
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get request ID from chi's middleware
		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = "unknown"
		}

		// Create request-scoped logger
		reqLogger := m.logger.With(
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
		)

		// Add logger and request ID to context
		ctx := logger.IntoContext(r.Context(), reqLogger)
		ctx = context.WithValue(ctx, contextKeyRequestID, requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		reqLogger.Debug("request started",
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent())

		start := time.Now()
		defer func() {
			duration := time.Since(start)

			if wrapped.statusCode >= 500 {
				reqLogger.Error("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds(),
					"bytes_written", wrapped.bytesWritten)
			} else if wrapped.statusCode >= 400 {
				reqLogger.Warn("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds(),
					"bytes_written", wrapped.bytesWritten)
			} else {
				reqLogger.Info("request completed",
					"status", wrapped.statusCode,
					"duration_ms", duration.Milliseconds(),
					"bytes_written", wrapped.bytesWritten)
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush lets SSE handlers stream through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
