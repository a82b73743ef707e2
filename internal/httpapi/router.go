package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "browsergate"

// Version is stamped by the build; the default marks a source build.
var Version = "dev"

// NewRouter creates the HTTP router with all routes and middleware. The
// /v1 group sits behind the safe-mode gate and bearer auth; /health and
// /version stay public so the process is observable even when the pool
// failed to initialize.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(compressExcept("/v1/chat/completions"))
	r.Use(Logger)
	r.Use(Telemetry)

	// CORS — configurable via BROWSERGATE_CORS_ORIGINS. With wildcard
	// origins AllowCredentials must be false per the Fetch spec.
	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(SafeMode(s.pool))
		r.Use(BearerAuth(s.cfg.Server.Auth))

		r.Get("/models", s.HandleModels)
		r.Post("/chat/completions", s.HandleChatCompletions)
		r.Get("/cookies", s.HandleCookies)
		r.Get("/workers/{name}/logs", s.HandleWorkerLogs)
	})

	return r
}

// compressExcept applies chi's Compress middleware to everything but the
// listed paths. The SSE route must stay uncompressed — gzip buffering
// would hold heartbeat frames back past the client timeouts they exist to
// defeat.
func compressExcept(skip ...string) func(http.Handler) http.Handler {
	compressor := chimw.Compress(5)
	return func(next http.Handler) http.Handler {
		compressed := compressor(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range skip {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
// Production: set BROWSERGATE_CORS_ORIGINS to a comma-separated list.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("BROWSERGATE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": Version,
		"service": serviceName,
	})
}
