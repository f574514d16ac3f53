// Package fixture provides a tiny HTTP server that answers every request with
// "Hi there!". It gives tests and the serve command a real listening process
// to find and terminate.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Paintersrp/subproc/internal/metrics"
)

// Greeting is the body of every response on "/".
const Greeting = "Hi there!"

const (
	// DefaultAddr is used when Config.Addr is empty.
	DefaultAddr            = "127.0.0.1:8500"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config controls construction of the server.
type Config struct {
	Addr              string
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *log.Logger
}

// Server wraps an http.Server.
type Server struct {
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	logger          *log.Logger
}

// NewServer constructs a Server. When cfg.Listener is nil the address is
// bound in Listen or Run.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              normalizeAddr(cfg.Addr),
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	s := &Server{
		srv:             srv,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}
	if s.shutdownTimeout == 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	s.registerRoutes(mux)
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Listen binds the configured address unless a listener is already set.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()
	s.logger.Info("fixture server listening", "addr", s.Addr(), "pid", os.Getpid())

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleGreeting)
	mux.HandleFunc("/pid", s.handlePID)
	mux.Handle("/metrics", metrics.Handler())
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Greeting)
}

func (s *Server) handlePID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"pid": os.Getpid()})
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return DefaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
