package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/natsflow/internal/runtime/codec"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
)

const defaultWebUIPort = 8081

// StartWebUIServer mounts the handler introspection API when enabled.
func (s *Service) StartWebUIServer(cfg configpkg.Config) {
	if !cfg.WebUIEnabled {
		return
	}

	port := cfg.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", s.handlersAPI(cfg.WebUICORSAllowedOrigins))
}

func (s *Service) handlersAPI(allowedOrigins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if allowed := allowedCORSOrigin(allowedOrigins, r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		body, err := codec.MarshalJSON(s.Handlers())
		if err != nil {
			s.Logger.Error("Failed to encode handlers", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, origin := range allowed {
		if origin == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(origin, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
