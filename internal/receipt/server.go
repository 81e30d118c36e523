package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Server handles HTTP requests for images, the inbox and receipts
type Server struct {
	service       *Service
	notifications *NotificationLog
	basicAuth     BasicAuth
	mux           *http.ServeMux
	validate      *validator.Validate

	// baseCtx outlives individual requests; background analysis runs on it
	baseCtx context.Context
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, notifications *NotificationLog, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, notifications, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, notifications *NotificationLog, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:       service,
		notifications: notifications,
		basicAuth:     basicAuth,
		mux:           mux,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		baseCtx:       context.Background(),
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="PalBudget"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Images
	s.mux.HandleFunc("GET /api/images/file", s.requireAuth(s.handleGetImageFile))
	s.mux.HandleFunc("GET /api/images/stream", s.requireAuth(s.handleStream(s.service.WatchImages)))
	s.mux.HandleFunc("GET /api/images", s.requireAuth(s.handleListImages))
	s.mux.HandleFunc("POST /api/images", s.requireAuth(s.handleUploadImage))

	// Inbox
	s.mux.HandleFunc("GET /api/inbox", s.requireAuth(s.handleGetInbox))
	s.mux.HandleFunc("POST /api/inbox/remove", s.requireAuth(s.handleRemoveFromInbox))
	s.mux.HandleFunc("POST /api/inbox/analyze", s.requireAuth(s.handleAnalyzeInbox))
	s.mux.HandleFunc("DELETE /api/inbox", s.requireAuth(s.handleClearInbox))
	s.mux.HandleFunc("GET /api/notifications", s.requireAuth(s.handleNotifications))

	// Receipts
	s.mux.HandleFunc("GET /api/receipts/summary", s.requireAuth(s.handleSummary))
	s.mux.HandleFunc("GET /api/receipts/export.xlsx", s.requireAuth(s.handleExport))
	s.mux.HandleFunc("POST /api/receipts/remove", s.requireAuth(s.handleRemoveReceipts))
	s.mux.HandleFunc("GET /api/receipts/stream", s.requireAuth(s.handleStream(s.service.WatchReceipts)))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("DELETE /api/receipts", s.requireAuth(s.handleClearReceipts))
}

// Start serves HTTP until ctx is done, then shuts down gracefully.
// Background analysis started through the server runs on ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
