// Package server is the composition root: it builds the store, services and
// handlers from a config.Config, mounts the routes and runs the HTTP server.
//
// DEPENDENCY FLOW:
//
//	config.Config → sqlstore.DB → AccountService ─┐
//	              → TokenService x2              ├→ AuthHandler ─┐
//	              → Dispatcher + Renderer        │               ├→ chi router
//	              → LogoStore                    └→ CatalogService → BotHandler ┘
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/sakif/bot-catalog/internal/auth"
	"github.com/sakif/bot-catalog/internal/config"
	"github.com/sakif/bot-catalog/internal/handler"
	"github.com/sakif/bot-catalog/internal/mailer"
	"github.com/sakif/bot-catalog/internal/metrics"
	"github.com/sakif/bot-catalog/internal/middleware"
	"github.com/sakif/bot-catalog/internal/repository/sqlstore"
	"github.com/sakif/bot-catalog/internal/service"
	"github.com/sakif/bot-catalog/internal/storage"
)

// Deps overrides collaborators that New would otherwise build from the
// config. Zero values mean "build from config".
type Deps struct {
	Mailer    mailer.Dispatcher
	Logos     storage.LogoStore
	Passwords *auth.PasswordService
}

// Server owns the database and the routed handler.
type Server struct {
	router http.Handler
	cfg    config.Config
	logger *slog.Logger
	db     *sqlstore.DB
}

// New opens the store, runs migrations and wires every route.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	db, err := sqlstore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, db: db}
	if err := s.setupRoutes(deps); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler returns the fully wrapped router; tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

func (s *Server) buildMailer() (mailer.Dispatcher, error) {
	if s.cfg.SMTP.Host == "" {
		s.logger.Warn("SMTP_HOST not set; verification emails will only be logged (bodies at LOG_LEVEL=debug)")
		return mailer.NewLogDispatcher(s.logger), nil
	}
	return mailer.NewSMTPDispatcher(mailer.SMTPConfig{
		Host:     s.cfg.SMTP.Host,
		Port:     s.cfg.SMTP.Port,
		Username: s.cfg.SMTP.Username,
		Password: s.cfg.SMTP.Password,
		From:     s.cfg.SMTP.From,
	}, s.logger)
}

func (s *Server) buildLogoStore() (storage.LogoStore, error) {
	if s.cfg.S3.Bucket == "" {
		return storage.InlineStore{}, nil
	}
	return storage.NewS3Store(storage.S3Config{
		Bucket:          s.cfg.S3.Bucket,
		Region:          s.cfg.S3.Region,
		Endpoint:        s.cfg.S3.Endpoint,
		AccessKeyID:     s.cfg.S3.AccessKeyID,
		SecretAccessKey: s.cfg.S3.SecretAccessKey,
		PublicBaseURL:   s.cfg.S3.PublicBaseURL,
	}, s.logger)
}

// setupRoutes builds the services and mounts:
//
//	POST   /api/auth/signup
//	GET    /api/auth/verify/{token}
//	POST   /api/auth/verify
//	POST   /api/auth/resend-verification
//	POST   /api/auth/reset-email
//	POST   /api/auth/login
//	POST   /api/auth/logout
//	GET    /api/auth/me                  (auth)
//	POST   /api/auth/change-password     (auth)
//	DELETE /api/auth/account             (auth)
//	GET    /api/bots
//	GET    /api/bots/{id}
//	POST   /api/bots                     (auth)
//	DELETE /api/bots/{id}                (auth)
//	GET    /healthz
//	GET    /metrics
//
// MIDDLEWARE ORDER: RequestID → RealIP → Logger → Recoverer → security
// headers → CORS. Logger sits outside Recoverer so panics are logged as 500s.
func (s *Server) setupRoutes(deps Deps) error {
	sessions, err := auth.NewTokenService(s.cfg.JWTSecret, auth.AudienceSession, s.cfg.SessionTTL)
	if err != nil {
		return err
	}
	verifications, err := auth.NewTokenService(s.cfg.JWTSecret, auth.AudienceVerification, s.cfg.VerificationTTL)
	if err != nil {
		return err
	}

	passwords := deps.Passwords
	if passwords == nil {
		passwords = auth.NewPasswordServiceWithCost(s.cfg.BcryptCost)
	}

	dispatcher := deps.Mailer
	if dispatcher == nil {
		if dispatcher, err = s.buildMailer(); err != nil {
			return err
		}
	}
	logos := deps.Logos
	if logos == nil {
		if logos, err = s.buildLogoStore(); err != nil {
			return err
		}
	}

	renderer, err := mailer.NewRenderer(s.cfg.SiteName)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(reg)

	accounts := service.NewAccountService(service.AccountDeps{
		Users:         s.db.Users(),
		Bots:          s.db.Bots(),
		Logos:         logos,
		Sessions:      sessions,
		Verifications: verifications,
		Passwords:     passwords,
		Mailer:        dispatcher,
		Renderer:      renderer,
		Metrics:       recorder,
	}, service.AccountConfig{PublicBaseURL: s.cfg.PublicBaseURL}, s.logger)

	catalog := service.NewCatalogService(s.db.Bots(), accounts, logos, recorder,
		service.CatalogConfig{AdminUsername: s.cfg.AdminUsername}, s.logger)

	authHandler := handler.NewAuthHandler(accounts, handler.AuthConfig{
		VerifySuccessURL: s.cfg.VerifySuccessURL,
		CookieSecure:     s.cfg.CookieSecure,
	}, s.logger)
	botHandler := handler.NewBotHandler(catalog, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler)

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	r.Get("/healthz", healthHandler.HandleHealth)
	r.Handle("/metrics", recorder.Handler())

	requireAuth := auth.RequireAuth(sessions)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.HandleSignup)
			r.Get("/verify/{token}", authHandler.HandleVerifyLink)
			r.Post("/verify", authHandler.HandleVerify)
			r.Post("/resend-verification", authHandler.HandleResend)
			r.Post("/reset-email", authHandler.HandleResetEmail)
			r.Post("/login", authHandler.HandleLogin)
			r.Post("/logout", authHandler.HandleLogout)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth, middleware.Identify)
				r.Get("/me", authHandler.HandleMe)
				r.Post("/change-password", authHandler.HandleChangePassword)
				r.Delete("/account", authHandler.HandleDeleteAccount)
			})
		})

		r.Route("/bots", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(auth.OptionalAuth(sessions), middleware.Identify)
				r.Get("/", botHandler.HandleList)
				r.Get("/{id}", botHandler.HandleGet)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth, middleware.Identify)
				r.Post("/", botHandler.HandleCreate)
				r.Delete("/{id}", botHandler.HandleDelete)
			})
		})
	})

	s.router = r
	return nil
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests for up
// to 30 seconds and closes the database.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Port),
			slog.String("publicURL", s.cfg.PublicBaseURL),
			slog.String("dialect", s.db.Dialect()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
