package receipt

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server handles HTTP requests for receipts and the messaging webhook
type Server struct {
	service     *Service
	pipeline    *Pipeline
	basicAuth   BasicAuth
	verifyToken string
	router      chi.Router
	logger      *slog.Logger
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ServerOptions configures a Server
type ServerOptions struct {
	BasicAuth      BasicAuth
	VerifyToken    string   // webhook verification token
	AllowedOrigins []string // CORS origins, all when empty
	Logger         *slog.Logger
}

// NewServer creates a new Server and registers its routes
func NewServer(service *Service, pipeline *Pipeline, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		service:     service,
		pipeline:    pipeline,
		basicAuth:   opts.BasicAuth,
		verifyToken: opts.VerifyToken,
		router:      chi.NewRouter(),
		logger:      opts.Logger,
	}
	s.registerRoutes(opts.AllowedOrigins)
	return s
}

func (s *Server) registerRoutes(allowedOrigins []string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}))

	s.router.Get("/healthz", s.handleHealth)

	// The provider cannot send credentials; the verify token guards the webhook instead
	s.router.Route("/webhooks/whatsapp", func(r chi.Router) {
		r.Get("/", s.handleVerifyWebhook)
		r.Post("/", s.handleReceiveWebhook)
	})

	s.router.Route("/api/receipts", func(r chi.Router) {
		if s.basicAuth.Username != "" || s.basicAuth.Password != "" {
			r.Use(middleware.BasicAuth("ZapFinance", map[string]string{
				s.basicAuth.Username: s.basicAuth.Password,
			}))
		}

		r.Post("/", s.handleUploadReceipt)
		r.Get("/", s.handleListReceipts)
		r.Get("/{id}", s.handleGetReceipt)
		r.Get("/{id}/file", s.handleGetReceiptFile)
		r.Patch("/{id}", s.handleUpdateReceipt)
		r.Delete("/{id}", s.handleDeleteReceipt)
	})
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
