package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/soaportal/internal/access"
	"github.com/org/soaportal/internal/audit"
	"github.com/org/soaportal/internal/auth"
	"github.com/org/soaportal/internal/billing"
	"github.com/org/soaportal/internal/blob"
	"github.com/org/soaportal/internal/capability"
	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/policy"
	"github.com/org/soaportal/internal/render"
	"github.com/org/soaportal/internal/signedlink"
	"github.com/org/soaportal/internal/storage"
	"github.com/org/soaportal/internal/users"
	"github.com/org/soaportal/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// PublicBaseURL is the scheme and host signed links are rooted at.
	PublicBaseURL string
	// LinkSecret keys link signatures and token sealing.
	LinkSecret     []byte
	SessionTTL     time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For header is
	// believed. Empty means the header is ignored.
	TrustedProxies []string
	Facility       render.Facility
	// Clock overrides time.Now for capabilities and links.
	Clock func() time.Time
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	LogCapabilityEvent(ctx context.Context, ev audit.CapabilityEvent)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store    storage.StorageBackend
	blobs    blob.Store
	sessions *auth.SessionService
	users    *users.Service
	billing  *billing.Service
	caps     *capability.Store
	access   *access.Service
	policy   *policy.Engine
	auditor  AuditLogger
	proxies  *proxyTrust
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, blobs blob.Store, cfg Config) (*Server, error) {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	proxies, err := newProxyTrust(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewTokenCipher(cfg.LinkSecret)
	if err != nil {
		return nil, fmt.Errorf("link secret: %w", err)
	}
	links, err := signedlink.NewIssuer(cfg.PublicBaseURL, cfg.LinkSecret)
	if err != nil {
		return nil, err
	}
	links.WithClock(clock)
	caps := capability.NewStore(store, cipher).WithClock(clock)

	return &Server{
		store:    store,
		blobs:    blobs,
		sessions: auth.NewSessionService(store, cfg.SessionTTL),
		users:    users.NewService(store),
		billing:  billing.NewService(store),
		caps:     caps,
		access: access.NewService(access.Config{
			Capabilities: caps,
			Links:        links,
			Store:        store,
			Blobs:        blobs,
			Facility:     cfg.Facility,
		}),
		policy:  policy.NewEngine(policy.DefaultPolicies()),
		auditor: audit.NewLogger(store),
		proxies: proxies,
		cfg:     cfg,
	}, nil
}

// Users exposes the user service (for bootstrap at startup).
func (s *Server) Users() *users.Service {
	return s.users
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(clientIPMiddleware(s.proxies))
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(auditMiddleware(s.auditor))

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/api/health", s.HealthHandler)
		r.Post("/api/login", s.LoginHandler)
		r.Get(access.ViewRoute, s.ViewStatementHandler)
		r.Get("/storage/"+blob.KindQRCode+"/*", s.StorageHandler(blob.KindQRCode))
	})

	// Authenticated routes, gated by role policy
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.sessions))
		r.Use(policyMiddleware(s.policy))

		r.Post("/api/logout", s.LogoutHandler)
		r.Get("/api/user", s.CurrentUserHandler)

		r.Get("/api/users", s.UserListHandler)
		r.Post("/api/users", s.UserCreateHandler)
		r.Get("/api/users/{id}", s.UserGetHandler)
		r.Put("/api/users/{id}", s.UserUpdateHandler)
		r.Delete("/api/users/{id}", s.UserDeleteHandler)

		r.Get("/api/patients", s.PatientListHandler)
		r.Get("/api/patients/{id}", s.PatientGetHandler)

		r.Get("/api/statements", s.StatementListHandler)
		r.Post("/api/statements", s.StatementCreateHandler)
		r.Post("/api/statements/generate-qr", s.GenerateQRHandler)
		r.Get("/api/statements/{id}", s.StatementGetHandler)
		r.Post("/api/statements/{id}/access", s.AccessIssueHandler)
		r.Put("/api/statements/{id}/access", s.AccessExtendHandler)
		r.Get("/api/statements/{id}/access", s.AccessStatusHandler)

		r.Get("/api/patient/profile", s.PatientProfileHandler)
		r.Get("/api/patient/statements", s.PatientStatementsHandler)
		r.Get("/api/patient/statements/{id}", s.PatientStatementHandler)

		r.Get("/api/audit-log", s.AuditLogHandler)

		r.Get("/storage/"+blob.KindStatement+"/*", s.StorageHandler(blob.KindStatement))
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
