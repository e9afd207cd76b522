package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/rs/cors"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/types"
)

// Poller is the coordinator as seen by the HTTP API.
type Poller interface {
	AccountID() string
	Today() civil.Date
	SelectedDate() civil.Date
	SetSelectedDate(d civil.Date)
	Data() (types.PollingResult, bool)
	LastUpdateSuccess() bool
	Refresh(ctx context.Context) (types.PollingResult, error)
}

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the latest polling result over HTTP and lets callers pick
// the day whose hourly usage is fetched.
type Server struct {
	poller  Poller
	storage storage.Database
	stream  *hub
	now     func() time.Time

	listenAddr string
	httpServer *http.Server

	oidcAudience  string
	oidcVerifier  tokenVerifier
	allowedEmails []string
	corsOrigins   []string
	serverName    string
}

// New returns a Server without any flags applied, listening on listenAddr.
func New(p Poller, s storage.Database, listenAddr string) *Server {
	return &Server{
		poller:     p,
		storage:    s,
		stream:     newHub(),
		now:        time.Now,
		listenAddr: listenAddr,
		serverName: "gmpusage",
	}
}

// Configured initializes the Server with its storage. The poller is only
// known once flags are parsed and must be set with SetPoller before Run.
// It uses lflag to register command-line flags for configuration.
func Configured(s storage.Database) *Server {
	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}
	srv := New(nil, s, ":"+port)
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "audience of the Google ID tokens required for POST requests, none required when empty")
	allowedEmails := lflag.String("allowed-emails", "", "comma-delimited list of ID token emails allowed to make POST requests, any when empty")
	corsOrigins := lflag.String("cors-origins", "", "comma-delimited list of origins allowed to call the API from a browser")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.allowedEmails = splitList(*allowedEmails)
		srv.corsOrigins = splitList(*corsOrigins)
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

// SetPoller sets the coordinator served by the API.
func (s *Server) SetPoller(p Poller) {
	s.poller = p
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/data", s.handleData)
	apiMux.HandleFunc("GET /api/metrics", s.handleMetrics)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/selected-date", s.handleGetSelectedDate)
	apiMux.HandleFunc("POST /api/selected-date", s.handleSetSelectedDate)
	apiMux.HandleFunc("GET /api/selected-date/options", s.handleSelectedDateOptions)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(s.authMiddleware(apiMux)))
	// websocket upgrades need the unwrapped ResponseWriter
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.corsMiddleware(s.revisionMiddleware(s.securityHeadersMiddleware(mux)))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(next)
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.poller == nil {
		return errors.New("server has no poller")
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stream.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
