package sandbox

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Server handles HTTP requests for the backend API
type Server struct {
	service *Service
	auth    Auth
	mux     *http.ServeMux
}

// Auth holds the credentials clients must present. With none configured
// every request is accepted.
type Auth struct {
	Username string
	Password string
	Token    string
}

func (a Auth) enabled() bool {
	return a.Username != "" || a.Password != "" || a.Token != ""
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, auth Auth) *Server {
	return NewServerWithMux(service, auth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, auth Auth, mux *http.ServeMux) *Server {
	s := &Server{
		service: service,
		auth:    auth,
		mux:     mux,
	}
	s.registerRoutes()
	return s
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authenticate checks bearer or basic credentials
func (s *Server) authenticate(r *http.Request) bool {
	if !s.auth.enabled() {
		return true
	}

	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return s.auth.Token != "" && equal(strings.TrimPrefix(header, "Bearer "), s.auth.Token)
	case strings.HasPrefix(header, "Basic "):
		if s.auth.Username == "" && s.auth.Password == "" {
			return false
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err != nil {
			return false
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		return ok && equal(username, s.auth.Username) && equal(password, s.auth.Password)
	}
	return false
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
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
			if s.auth.Token == "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Sandbox"`)
			}
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/receipt/expenses/{id}/submit", s.requireAuth(s.handleSubmitExpense))
	s.mux.HandleFunc("GET /api/receipt/expenses/{id}", s.requireAuth(s.handleGetExpense))
	s.mux.HandleFunc("PUT /api/receipt/expenses/{id}", s.requireAuth(s.handleUpdateExpense))
	s.mux.HandleFunc("GET /api/receipt/expenses", s.requireAuth(s.handleListExpenses))
	s.mux.HandleFunc("POST /api/receipt/expenses", s.requireAuth(s.handleCreateExpense))
	s.mux.HandleFunc("POST /api/receipt/expenses/{$}", s.requireAuth(s.handleCreateExpense))

	s.mux.HandleFunc("POST /api/receipt/receipts/upload", s.requireAuth(s.handleUploadReceipt))
	s.mux.HandleFunc("GET /api/receipt/receipts/{id}/extraction", s.requireAuth(s.handleGetExtraction))
	s.mux.HandleFunc("GET /api/receipt/receipts/{id}/image", s.requireAuth(s.handleGetReceiptImage))
	s.mux.HandleFunc("GET /api/receipt/receipts/{id}", s.requireAuth(s.handleGetReceipt))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
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
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
